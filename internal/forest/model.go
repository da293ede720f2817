// Package forest holds gradient-boosted tree ensembles for binary
// classification in the layout used by the XGBoost JSON model format.
//
// A Model can be trained in-process (Train), decoded from a file written by
// the external xgboost trainer (UnmarshalXGBoostJSON) and encoded back to
// the same format (MarshalXGBoostJSON) for the inference server's forest
// backend. PredictProba reproduces the server's probability output locally
// so remote results can be checked against it.
package forest

import (
	"errors"
	"fmt"
	"math"
)

// ErrEmptyModel is returned when a model has no trees.
var ErrEmptyModel = errors.New("forest: model has no trees")

// rootParent is the parent id XGBoost writes for the root node.
const rootParent = math.MaxInt32

// Objectives accepted by this package. Both apply a sigmoid to the margin.
const (
	ObjectiveBinaryLogistic = "binary:logistic"
	ObjectiveRegLogistic    = "reg:logistic"
)

// Tree is one regression tree stored as parallel arrays indexed by node id.
// A node is a leaf when LeftChildren[id] == -1; its value is then
// SplitConditions[id].
type Tree struct {
	LeftChildren    []int32
	RightChildren   []int32
	Parents         []int32
	SplitIndices    []int32
	SplitConditions []float32
	DefaultLeft     []bool
	BaseWeights     []float32
	LossChanges     []float32
	SumHessian      []float32
}

// NumNodes returns the number of nodes in the tree.
func (t *Tree) NumNodes() int {
	return len(t.LeftChildren)
}

// IsLeaf reports whether node id is a leaf.
func (t *Tree) IsLeaf(id int32) bool {
	return t.LeftChildren[id] == -1
}

// Depth returns the length of the longest root-to-leaf path.
func (t *Tree) Depth() int {
	var walk func(id int32, d int) int
	walk = func(id int32, d int) int {
		if t.IsLeaf(id) {
			return d
		}
		l := walk(t.LeftChildren[id], d+1)
		r := walk(t.RightChildren[id], d+1)
		if l > r {
			return l
		}
		return r
	}
	if t.NumNodes() == 0 {
		return 0
	}
	return walk(0, 0)
}

// Leaf returns the leaf value reached by x. Comparisons are done in float32:
// x[f] < condition goes left, NaN follows the node's default direction.
// A feature index past the end of x counts as missing, the same as a
// sparse row in XGBoost.
func (t *Tree) Leaf(x []float32) float32 {
	id := int32(0)
	for !t.IsLeaf(id) {
		f := t.SplitIndices[id]
		switch {
		case int(f) >= len(x), x[f] != x[f]: // missing or NaN
			if t.DefaultLeft[id] {
				id = t.LeftChildren[id]
			} else {
				id = t.RightChildren[id]
			}
		case x[f] < t.SplitConditions[id]:
			id = t.LeftChildren[id]
		default:
			id = t.RightChildren[id]
		}
	}
	return t.SplitConditions[id]
}

// validate checks array lengths and child bounds so that Leaf cannot index
// out of range or loop.
func (t *Tree) validate(numFeature int) error {
	n := len(t.LeftChildren)
	if n == 0 {
		return fmt.Errorf("tree has no nodes")
	}
	for name, l := range map[string]int{
		"right_children":   len(t.RightChildren),
		"split_indices":    len(t.SplitIndices),
		"split_conditions": len(t.SplitConditions),
		"default_left":     len(t.DefaultLeft),
	} {
		if l != n {
			return fmt.Errorf("%s has %d entries, want %d", name, l, n)
		}
	}
	for id := 0; id < n; id++ {
		l, r := t.LeftChildren[id], t.RightChildren[id]
		if l == -1 {
			continue
		}
		if l <= int32(id) || r <= int32(id) || int(l) >= n || int(r) >= n {
			return fmt.Errorf("node %d has invalid children (%d, %d)", id, l, r)
		}
		if f := t.SplitIndices[id]; f < 0 || int(f) >= numFeature {
			return fmt.Errorf("node %d splits on feature %d, model has %d features", id, f, numFeature)
		}
	}
	return nil
}

// Model is a binary classification ensemble.
type Model struct {
	// BaseScore is the initial prediction in probability space.
	BaseScore float32

	// NumFeature is the width of the input vectors.
	NumFeature int

	// FeatureNames optionally names the input columns.
	FeatureNames []string

	// Objective is ObjectiveBinaryLogistic or ObjectiveRegLogistic.
	Objective string

	Trees []Tree
}

// Validate checks the model's structure.
func (m *Model) Validate() error {
	if len(m.Trees) == 0 {
		return ErrEmptyModel
	}
	if m.NumFeature < 1 {
		return fmt.Errorf("forest: model has %d features", m.NumFeature)
	}
	if m.BaseScore <= 0 || m.BaseScore >= 1 {
		return fmt.Errorf("forest: base score %g must be in (0, 1)", m.BaseScore)
	}
	switch m.Objective {
	case ObjectiveBinaryLogistic, ObjectiveRegLogistic:
	default:
		return fmt.Errorf("forest: unsupported objective %q", m.Objective)
	}
	if len(m.FeatureNames) != 0 && len(m.FeatureNames) != m.NumFeature {
		return fmt.Errorf("forest: %d feature names for %d features", len(m.FeatureNames), m.NumFeature)
	}
	for i := range m.Trees {
		if err := m.Trees[i].validate(m.NumFeature); err != nil {
			return fmt.Errorf("forest: tree %d: %w", i, err)
		}
	}
	return nil
}

// MaxDepth returns the depth of the deepest tree.
func (m *Model) MaxDepth() int {
	d := 0
	for i := range m.Trees {
		if td := m.Trees[i].Depth(); td > d {
			d = td
		}
	}
	return d
}

// NumNodes returns the total node count over all trees.
func (m *Model) NumNodes() int {
	n := 0
	for i := range m.Trees {
		n += m.Trees[i].NumNodes()
	}
	return n
}

// BaseMargin returns the base score in margin (log-odds) space.
func (m *Model) BaseMargin() float64 {
	return logit(float64(m.BaseScore))
}

// PredictMargin returns the raw log-odds for x. Columns missing from a
// short row are treated as NaN; use PredictProbaBatch to reject rows whose
// width does not match NumFeature.
func (m *Model) PredictMargin(x []float32) float64 {
	margin := m.BaseMargin()
	for i := range m.Trees {
		margin += float64(m.Trees[i].Leaf(x))
	}
	return margin
}

// PredictProba returns the positive-class probability for x, with short
// rows handled as in PredictMargin.
func (m *Model) PredictProba(x []float32) float64 {
	return sigmoid(m.PredictMargin(x))
}

// PredictProbaBatch returns PredictProba for every row. Rows must have
// NumFeature columns.
func (m *Model) PredictProbaBatch(X [][]float32) ([]float64, error) {
	out := make([]float64, len(X))
	for i, x := range X {
		if len(x) != m.NumFeature {
			return nil, fmt.Errorf("forest: row %d has %d features, model expects %d", i, len(x), m.NumFeature)
		}
		out[i] = m.PredictProba(x)
	}
	return out, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}
