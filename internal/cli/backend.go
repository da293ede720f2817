package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/buildfile"
	"github.com/shinji-kodama/treeserve/internal/docker"
	"github.com/shinji-kodama/treeserve/internal/model"
)

// backendFlags are shared by both backend subcommands.
type backendFlags struct {
	baseImage     string
	rapidsVersion string
	gpu           bool
	buildType     string
	packages      []string
}

func (f *backendFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.baseImage, "base-image", buildfile.DefaultBaseImage, "Server base image")
	cmd.Flags().StringVar(&f.rapidsVersion, "rapids-version", buildfile.DefaultRapidsVersion, "RAPIDS dependency version")
	cmd.Flags().BoolVar(&f.gpu, "gpu", true, "Build the GPU code path")
	cmd.Flags().StringVar(&f.buildType, "build-type", "Release", "CMake build type")
	cmd.Flags().StringSliceVar(&f.packages, "package", nil, "Extra apt packages for the build stage (repeatable)")
}

func (f *backendFlags) graph() (*buildfile.Graph, error) {
	g := buildfile.DefaultGraph(buildfile.Options{
		BaseImage:     f.baseImage,
		RapidsVersion: f.rapidsVersion,
		EnableGPU:     f.gpu,
		BuildType:     f.buildType,
		ExtraPackages: f.packages,
	})
	if errs := g.Validate(); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("invalid build stage", zap.String("stage", e.Stage), zap.String("problem", e.Message))
		}
		return nil, model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("backend build file is invalid: %s", errs[0].Error()))
	}
	return g, nil
}

// NewBackendCommand creates the "backend" command group.
func NewBackendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Generate or build the server image with the FIL backend plugin",
		Long: `Work with the multi-stage build of the server's tree-model backend plugin.

The build has six stages: base, build-deps, build-sources, build, test-deps
and final. The final image is the server base image with only the compiled
plugin directory added.`,
	}
	cmd.AddCommand(newBackendDockerfileCommand())
	cmd.AddCommand(newBackendBuildCommand())
	return cmd
}

func newBackendDockerfileCommand() *cobra.Command {
	flags := &backendFlags{}
	var output string

	cmd := &cobra.Command{
		Use:   "dockerfile",
		Short: "Print or write the backend build file",
		Example: `  treeserve backend dockerfile
  treeserve backend dockerfile --gpu=false -o Dockerfile.cpu`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := flags.graph()
			if err != nil {
				return err
			}
			if output == "" {
				return renderTo(os.Stdout, g)
			}
			if err := g.WriteFile(output); err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "failed to write build file", err)
			}
			if IsJSONOutput() {
				printJSON(map[string]interface{}{"path": output, "stages": g.Names()})
				return nil
			}
			fmt.Printf("Wrote %s (stages: %v)\n", output, g.Names())
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func renderTo(w io.Writer, g *buildfile.Graph) error {
	data, err := g.Render()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func newBackendBuildCommand() *cobra.Command {
	flags := &backendFlags{}
	var (
		contextDir string
		target     string
		tag        string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the server image with the backend plugin",
		Long: `Write the backend build file to the work directory and run docker build
on the plugin source checkout given by --context.

--target selects the stage: "final" for the serving image, "test-deps" for
an image that can run the plugin's test suite.`,
		Example: `  treeserve backend build --context ./fil_backend --tag fil-server:dev
  treeserve backend build --context ./fil_backend --target test-deps --gpu=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := flags.graph()
			if err != nil {
				return err
			}
			if _, ok := g.Stage(target); !ok {
				return model.NewCLIError(model.ExitGeneralError,
					fmt.Sprintf("unknown target %q (stages: %v)", target, g.Names()))
			}
			if _, err := os.Stat(contextDir); err != nil {
				return model.WrapCLIError(model.ExitConfigNotFound, "build context not found", err)
			}

			file, err := filepath.Abs(filepath.Join(workDir, "Dockerfile.fil"))
			if err != nil {
				return err
			}
			if err := g.WriteFile(file); err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "failed to write build file", err)
			}
			VerboseLog("Build file written to %s", file)

			opts := docker.BuildOptions{
				Dir:        contextDir,
				Dockerfile: file,
				Target:     target,
				Tag:        tag,
			}
			if verbose && !IsJSONOutput() {
				opts.Output = os.Stderr
			}
			if err := docker.BuildImage(cmd.Context(), opts, logger); err != nil {
				return err
			}

			if IsJSONOutput() {
				printJSON(map[string]interface{}{"tag": tag, "target": target, "dockerfile": file})
				return nil
			}
			fmt.Printf("Built %s (target %s)\n", tag, target)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&contextDir, "context", ".", "Plugin source directory used as the build context")
	cmd.Flags().StringVar(&target, "target", buildfile.FinalStage, "Stage to build")
	cmd.Flags().StringVarP(&tag, "tag", "t", "treeserve-fil:latest", "Image tag")
	return cmd
}
