package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/shinji-kodama/treeserve/internal/forest"
	"github.com/shinji-kodama/treeserve/internal/model"
)

// Write stores m and its configuration as version 1 of name under root and
// returns the layout it wrote. Both files are written to a temporary name
// and renamed into place, so the server never loads a half-written model.
func Write(root, name string, m *forest.Model, mc *ModelConfig) (Layout, error) {
	if err := model.ValidateName(name); err != nil {
		return Layout{}, err
	}
	if mc.Name != name {
		return Layout{}, fmt.Errorf("model config is named %q, writing %q", mc.Name, name)
	}
	if mc.Format != model.FormatXGBoostJSON {
		return Layout{}, fmt.Errorf("model %s: only %s can be written, got %s", name, model.FormatXGBoostJSON, mc.Format)
	}
	if mc.NumFeatures != m.NumFeature {
		return Layout{}, fmt.Errorf("model %s: config input width %d, model has %d features", name, mc.NumFeatures, m.NumFeature)
	}

	cfg, err := RenderConfig(mc)
	if err != nil {
		return Layout{}, err
	}
	data, err := forest.MarshalXGBoostJSON(m)
	if err != nil {
		return Layout{}, fmt.Errorf("model %s: %w", name, err)
	}

	l := NewLayout(root, name, model.ModelVersion)
	if err := os.MkdirAll(l.VersionDir(), 0o755); err != nil {
		return Layout{}, fmt.Errorf("failed to create %s: %w", l.VersionDir(), err)
	}
	if err := writeAtomic(l.ModelFile(mc.Format), data); err != nil {
		return Layout{}, err
	}
	if err := writeAtomic(l.ConfigFile(), cfg); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Entry is a model found in a repository.
type Entry struct {
	Name     string       `json:"name"`
	Versions []string     `json:"versions"`
	Config   *ModelConfig `json:"config,omitempty"`

	// Err describes why the entry's configuration could not be read.
	Err string `json:"error,omitempty"`
}

// Scan lists the models under root in name order. A directory counts as a
// model when it holds a config.pbtxt or at least one numeric version
// directory. Unreadable configurations are reported on the entry rather
// than failing the scan.
func Scan(root string) ([]Entry, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository %s: %w", root, err)
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		e := Entry{Name: d.Name()}
		l := NewLayout(root, d.Name(), "")

		subs, err := os.ReadDir(l.ModelDir())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", l.ModelDir(), err)
		}
		for _, s := range subs {
			if _, err := strconv.ParseUint(s.Name(), 10, 64); s.IsDir() && err == nil {
				e.Versions = append(e.Versions, s.Name())
			}
		}
		sort.Slice(e.Versions, func(i, j int) bool {
			a, _ := strconv.ParseUint(e.Versions[i], 10, 64)
			b, _ := strconv.ParseUint(e.Versions[j], 10, 64)
			return a < b
		})

		data, err := os.ReadFile(l.ConfigFile())
		switch {
		case errors.Is(err, os.ErrNotExist):
			if len(e.Versions) == 0 {
				continue
			}
			e.Err = "missing " + ConfigFileName
		case err != nil:
			e.Err = err.Error()
		default:
			if e.Config, err = ParseConfig(data); err != nil {
				e.Err = err.Error()
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Load reads back version 1 of a model written by Write.
func Load(root, name string) (*forest.Model, *ModelConfig, error) {
	l := NewLayout(root, name, "")
	data, err := os.ReadFile(l.ConfigFile())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, model.WrapCLIError(model.ExitConfigNotFound,
				fmt.Sprintf("model %s not found in repository %s", name, root), err)
		}
		return nil, nil, err
	}
	mc, err := ParseConfig(data)
	if err != nil {
		return nil, nil, fmt.Errorf("model %s: %w", name, err)
	}
	if mc.Format != model.FormatXGBoostJSON {
		return nil, nil, fmt.Errorf("model %s: cannot load %s models locally", name, mc.Format)
	}
	m, err := forest.ReadFile(l.ModelFile(mc.Format))
	if err != nil {
		return nil, nil, fmt.Errorf("model %s: %w", name, err)
	}
	return m, mc, nil
}
