// Package repository writes trained models into the directory layout the
// inference server loads at startup:
//
//	<root>/<model>/config.pbtxt
//	<root>/<model>/<version>/<model file>
//
// One directory per model, one numeric subdirectory per version, and a
// protobuf text configuration describing the backend, tensors, batching and
// instance placement.
package repository

import (
	"path/filepath"

	"github.com/shinji-kodama/treeserve/internal/model"
)

// ConfigFileName is the model configuration file inside a model directory.
const ConfigFileName = "config.pbtxt"

// Layout resolves the paths of one model version inside a repository.
type Layout struct {
	Root    string
	Model   string
	Version string
}

// NewLayout returns the layout of version of modelName under root. An
// empty version selects model.ModelVersion.
func NewLayout(root, modelName, version string) Layout {
	if version == "" {
		version = model.ModelVersion
	}
	return Layout{Root: root, Model: modelName, Version: version}
}

// ModelDir is <root>/<model>.
func (l Layout) ModelDir() string {
	return filepath.Join(l.Root, l.Model)
}

// VersionDir is <root>/<model>/<version>.
func (l Layout) VersionDir() string {
	return filepath.Join(l.ModelDir(), l.Version)
}

// ModelFile is the serialized model path for the given format.
func (l Layout) ModelFile(format model.ModelFormat) string {
	return filepath.Join(l.VersionDir(), format.FileName())
}

// ConfigFile is <root>/<model>/config.pbtxt.
func (l Layout) ConfigFile() string {
	return filepath.Join(l.ModelDir(), ConfigFileName)
}
