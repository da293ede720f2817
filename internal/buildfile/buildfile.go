// Package buildfile models the multi-stage build file that packages the
// inference server's forest backend plugin. A Graph is an ordered list of
// stages; Validate checks the references between them and Render writes
// Dockerfile text that docker.BuildImage can build stage by stage.
package buildfile

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Instructions accepted in a stage.
const (
	OpRun        = "RUN"
	OpCopy       = "COPY"
	OpArg        = "ARG"
	OpEnv        = "ENV"
	OpWorkdir    = "WORKDIR"
	OpLabel      = "LABEL"
	OpUser       = "USER"
	OpEntrypoint = "ENTRYPOINT"
	OpCmd        = "CMD"
)

var knownOps = map[string]bool{
	OpRun: true, OpCopy: true, OpArg: true, OpEnv: true, OpWorkdir: true,
	OpLabel: true, OpUser: true, OpEntrypoint: true, OpCmd: true,
}

// stageNamePattern is the set of names docker accepts after AS.
var stageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

var argRefPattern = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)`)

// Step is one instruction. From is only meaningful for COPY and names the
// stage or image the files come from.
type Step struct {
	Op   string
	Args string
	From string
}

// Run returns a RUN step. Multiple commands are joined with " && " and
// continued over several lines.
func Run(cmds ...string) Step {
	return Step{Op: OpRun, Args: strings.Join(cmds, " && \\\n    ")}
}

// Copy returns a COPY step from the build context.
func Copy(src, dst string) Step {
	return Step{Op: OpCopy, Args: src + " " + dst}
}

// CopyFrom returns a COPY step from another stage or image.
func CopyFrom(stage, src, dst string) Step {
	return Step{Op: OpCopy, Args: src + " " + dst, From: stage}
}

// Arg returns an ARG step, with a default when def is non-empty.
func Arg(name, def string) Step {
	if def == "" {
		return Step{Op: OpArg, Args: name}
	}
	return Step{Op: OpArg, Args: name + "=" + def}
}

// Env returns an ENV step.
func Env(key, value string) Step {
	return Step{Op: OpEnv, Args: key + "=" + value}
}

// Workdir returns a WORKDIR step.
func Workdir(dir string) Step {
	return Step{Op: OpWorkdir, Args: dir}
}

// Stage is one FROM block.
type Stage struct {
	Name  string
	From  string
	Steps []Step
}

// BuildArg is an ARG declared before the first stage, usable in FROM.
type BuildArg struct {
	Name    string
	Default string
}

// Graph is an ordered multi-stage build.
type Graph struct {
	Args   []BuildArg
	Stages []Stage
}

// ValidationError is one problem found by Validate.
type ValidationError struct {
	// Stage is the offending stage name, or "(graph)".
	Stage   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("build stage %s: %s", e.Stage, e.Message)
}

// Stage returns the named stage.
func (g *Graph) Stage(name string) (Stage, bool) {
	for _, s := range g.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Names returns the stage names in build order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.Stages))
	for i, s := range g.Stages {
		names[i] = s.Name
	}
	return names
}

// Validate checks that stage names are unique and well formed, that every
// FROM and COPY --from refers to an earlier stage or to an external image,
// that FROM only uses declared global args, and that a stage named final
// comes last. An empty result means the graph is valid.
func (g *Graph) Validate() []ValidationError {
	var errs []ValidationError
	if len(g.Stages) == 0 {
		return []ValidationError{{Stage: "(graph)", Message: "no stages"}}
	}

	globals := make(map[string]bool, len(g.Args))
	for _, a := range g.Args {
		globals[a.Name] = true
	}

	index := make(map[string]int, len(g.Stages))
	for i, s := range g.Stages {
		if !stageNamePattern.MatchString(s.Name) {
			errs = append(errs, ValidationError{Stage: s.Name, Message: "invalid stage name"})
		}
		if _, dup := index[s.Name]; dup {
			errs = append(errs, ValidationError{Stage: s.Name, Message: "duplicate stage name"})
			continue
		}
		index[s.Name] = i
	}

	ref := func(i int, s Stage, what, target string) {
		j, isStage := index[target]
		switch {
		case target == "":
			errs = append(errs, ValidationError{Stage: s.Name, Message: what + " is empty"})
		case isStage && j >= i:
			errs = append(errs, ValidationError{Stage: s.Name,
				Message: fmt.Sprintf("%s refers to stage %q which is not built before it", what, target)})
		case !isStage && !isExternalImage(target):
			errs = append(errs, ValidationError{Stage: s.Name,
				Message: fmt.Sprintf("%s refers to unknown stage %q", what, target)})
		}
	}

	for i, s := range g.Stages {
		ref(i, s, "FROM", s.From)
		for _, m := range argRefPattern.FindAllStringSubmatch(s.From, -1) {
			if !globals[m[1]] {
				errs = append(errs, ValidationError{Stage: s.Name,
					Message: fmt.Sprintf("FROM uses undeclared build arg %s", m[1])})
			}
		}
		for _, st := range s.Steps {
			if !knownOps[st.Op] {
				errs = append(errs, ValidationError{Stage: s.Name, Message: fmt.Sprintf("unknown instruction %q", st.Op)})
				continue
			}
			if strings.TrimSpace(st.Args) == "" {
				errs = append(errs, ValidationError{Stage: s.Name, Message: st.Op + " without arguments"})
			}
			if st.From != "" {
				if st.Op != OpCopy {
					errs = append(errs, ValidationError{Stage: s.Name, Message: st.Op + " cannot take --from"})
					continue
				}
				ref(i, s, "COPY --from", st.From)
			}
		}
	}

	if i, ok := index[FinalStage]; ok && i != len(g.Stages)-1 {
		errs = append(errs, ValidationError{Stage: FinalStage, Message: "final stage must be last"})
	}
	return errs
}

// isExternalImage reports whether ref names an image rather than a stage:
// scratch, a tagged or digested reference, a registry path, or an arg.
func isExternalImage(ref string) bool {
	return ref == "scratch" || strings.ContainsAny(ref, ":/@$")
}

// Render validates g and writes it as Dockerfile text.
func (g *Graph) Render() ([]byte, error) {
	if errs := g.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid build graph: %s", strings.Join(msgs, "; "))
	}

	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("# Generated by treeserve.\n")
	for _, a := range g.Args {
		if a.Default != "" {
			fmt.Fprintf(&b, "ARG %s=%s\n", a.Name, a.Default)
		} else {
			fmt.Fprintf(&b, "ARG %s\n", a.Name)
		}
	}
	for _, s := range g.Stages {
		fmt.Fprintf(&b, "\nFROM %s AS %s\n", s.From, s.Name)
		for _, st := range s.Steps {
			if st.From != "" {
				fmt.Fprintf(&b, "%s --from=%s %s\n", st.Op, st.From, st.Args)
				continue
			}
			fmt.Fprintf(&b, "%s %s\n", st.Op, st.Args)
		}
	}
	return []byte(b.String()), nil
}

// WriteFile renders g to path.
func (g *Graph) WriteFile(path string) error {
	data, err := g.Render()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
