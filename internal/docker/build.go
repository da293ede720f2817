package docker

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"

	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/logging"
	"github.com/shinji-kodama/treeserve/internal/model"
)

// BuildOptions configures an image build.
type BuildOptions struct {
	// Dir is the build context.
	Dir string

	// Dockerfile is the build file path, relative to Dir or absolute.
	Dockerfile string

	// Target is the stage to build; empty builds the last stage.
	Target string

	Tag       string
	BuildArgs map[string]string

	// Output receives the build progress; nil discards it.
	Output io.Writer
}

// BuildImageArgs returns the docker CLI arguments for opts. Build args are
// sorted so the command line is stable.
func BuildImageArgs(opts BuildOptions) []string {
	args := []string{"build"}
	if opts.Dockerfile != "" {
		args = append(args, "-f", opts.Dockerfile)
	}
	if opts.Target != "" {
		args = append(args, "--target", opts.Target)
	}
	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}
	keys := make([]string, 0, len(opts.BuildArgs))
	for k := range opts.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	return append(args, dir)
}

// BuildImage runs "docker build". The CLI is used instead of the SDK's
// ImageBuild so BuildKit handles multi-stage targets and build caches the
// way users expect.
func BuildImage(ctx context.Context, opts BuildOptions, log *zap.Logger) error {
	log = logging.OrNop(log)
	args := BuildImageArgs(opts)
	log.Info("building image", zap.String("tag", opts.Tag), zap.String("target", opts.Target))
	log.Debug("docker command", zap.Strings("args", args))

	// #nosec G204 -- fixed binary, arguments built by BuildImageArgs
	cmd := exec.CommandContext(ctx, "docker", args...)
	tail := &tailBuffer{max: 4096}
	var out io.Writer = tail
	if opts.Output != nil {
		out = io.MultiWriter(opts.Output, tail)
	}
	// One writer for both streams, so exec copies them on one goroutine.
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return model.WrapCLIError(model.ExitExternalToolFailed,
			fmt.Sprintf("docker build failed:\n%s", tail.String()), err)
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
