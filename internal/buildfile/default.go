package buildfile

import (
	"path"
	"strings"
)

// Stage names of the default graph.
const (
	BaseStage         = "base"
	BuildDepsStage    = "build-deps"
	BuildSourcesStage = "build-sources"
	BuildStage        = "build"
	TestDepsStage     = "test-deps"
	FinalStage        = "final"
)

// Default build settings.
const (
	DefaultBaseImage     = "nvcr.io/nvidia/tritonserver:24.08-py3"
	DefaultRapidsVersion = "24.08"
	DefaultBackendDir    = "/opt/tritonserver/backends/fil"
)

// Options parameterize DefaultGraph. Zero values take the defaults above.
type Options struct {
	BaseImage     string
	RapidsVersion string

	// EnableGPU builds the GPU code path of the plugin.
	EnableGPU bool

	// BuildType is the CMake build type, Release when empty.
	BuildType string

	// BackendDir is where the compiled plugin is installed.
	BackendDir string

	// ExtraPackages are installed alongside the build toolchain.
	ExtraPackages []string
}

func (o Options) withDefaults() Options {
	if o.BaseImage == "" {
		o.BaseImage = DefaultBaseImage
	}
	if o.RapidsVersion == "" {
		o.RapidsVersion = DefaultRapidsVersion
	}
	if o.BuildType == "" {
		o.BuildType = "Release"
	}
	if o.BackendDir == "" {
		o.BackendDir = DefaultBackendDir
	}
	return o
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// DefaultGraph returns the plugin build: the server base image, a stage
// with the build toolchain, a stage holding the sources, the CMake build
// and install, a stage with the test requirements and the built plugin,
// and a final image that adds only the compiled plugin directory to the
// base.
func DefaultGraph(opts Options) *Graph {
	o := opts.withDefaults()
	src := "/rapids_triton"

	packages := append([]string{
		"build-essential",
		"ca-certificates",
		"cmake",
		"git",
		"libssl-dev",
		"ninja-build",
		"rapidjson-dev",
	}, o.ExtraPackages...)

	return &Graph{
		Args: []BuildArg{{Name: "BASE_IMAGE", Default: o.BaseImage}},
		Stages: []Stage{
			{
				Name: BaseStage,
				From: "${BASE_IMAGE}",
				Steps: []Step{
					Env("DEBIAN_FRONTEND", "noninteractive"),
				},
			},
			{
				Name: BuildDepsStage,
				From: BaseStage,
				Steps: []Step{
					Run(
						"apt-get update",
						"apt-get install -y --no-install-recommends "+strings.Join(packages, " "),
						"rm -rf /var/lib/apt/lists/*",
					),
				},
			},
			{
				Name: BuildSourcesStage,
				From: BuildDepsStage,
				Steps: []Step{
					Workdir(src),
					Copy("./", src+"/"),
				},
			},
			{
				Name: BuildStage,
				From: BuildSourcesStage,
				Steps: []Step{
					Arg("TRITON_ENABLE_GPU", onOff(o.EnableGPU)),
					Arg("RAPIDS_VERSION", o.RapidsVersion),
					Arg("BUILD_TYPE", o.BuildType),
					Run(
						"cmake -GNinja -S . -B build"+
							" -DCMAKE_BUILD_TYPE=${BUILD_TYPE}"+
							" -DTRITON_ENABLE_GPU=${TRITON_ENABLE_GPU}"+
							" -DRAPIDS_DEPENDENCIES_VERSION=${RAPIDS_VERSION}"+
							" -DCMAKE_INSTALL_PREFIX="+path.Dir(path.Dir(o.BackendDir)),
						"cmake --build build --target install",
					),
				},
			},
			{
				Name: TestDepsStage,
				From: BaseStage,
				Steps: []Step{
					Run(
						"apt-get update",
						"apt-get install -y --no-install-recommends python3-pip",
						"rm -rf /var/lib/apt/lists/*",
					),
					Copy("qa/requirements.txt", "/tmp/requirements.txt"),
					Run("pip3 install --no-cache-dir -r /tmp/requirements.txt"),
					CopyFrom(BuildStage, o.BackendDir, o.BackendDir),
				},
			},
			{
				Name: FinalStage,
				From: BaseStage,
				Steps: []Step{
					CopyFrom(BuildStage, o.BackendDir, o.BackendDir),
				},
			},
		},
	}
}
