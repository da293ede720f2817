package forest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// formatVersion is the XGBoost release whose JSON layout is written.
var formatVersion = []int{2, 0, 3}

type xgbDocument struct {
	Learner xgbLearner `json:"learner"`
	Version []int      `json:"version"`
}

type xgbLearner struct {
	Attributes        map[string]string `json:"attributes"`
	FeatureNames      []string          `json:"feature_names"`
	FeatureTypes      []string          `json:"feature_types"`
	GradientBooster   xgbBooster        `json:"gradient_booster"`
	LearnerModelParam xgbLearnerParam   `json:"learner_model_param"`
	Objective         xgbObjective      `json:"objective"`
}

type xgbBooster struct {
	Model xgbGBTreeModel `json:"model"`
	Name  string         `json:"name"`
}

type xgbGBTreeModel struct {
	GBTreeModelParam xgbGBTreeParam `json:"gbtree_model_param"`
	IterationIndptr  []int          `json:"iteration_indptr"`
	TreeInfo         []int          `json:"tree_info"`
	Trees            []xgbTree      `json:"trees"`
}

type xgbGBTreeParam struct {
	NumParallelTree string `json:"num_parallel_tree"`
	NumTrees        string `json:"num_trees"`
}

type xgbTree struct {
	BaseWeights        []float32    `json:"base_weights"`
	Categories         []int        `json:"categories"`
	CategoriesNodes    []int        `json:"categories_nodes"`
	CategoriesSegments []int        `json:"categories_segments"`
	CategoriesSizes    []int        `json:"categories_sizes"`
	DefaultLeft        flexBools    `json:"default_left"`
	ID                 int          `json:"id"`
	LeftChildren       []int32      `json:"left_children"`
	LossChanges        []float32    `json:"loss_changes"`
	Parents            []int32      `json:"parents"`
	RightChildren      []int32      `json:"right_children"`
	SplitConditions    []float32    `json:"split_conditions"`
	SplitIndices       []int32      `json:"split_indices"`
	SplitType          []int        `json:"split_type"`
	SumHessian         []float32    `json:"sum_hessian"`
	TreeParam          xgbTreeParam `json:"tree_param"`
}

type xgbTreeParam struct {
	NumDeleted     string `json:"num_deleted"`
	NumFeature     string `json:"num_feature"`
	NumNodes       string `json:"num_nodes"`
	SizeLeafVector string `json:"size_leaf_vector"`
}

type xgbLearnerParam struct {
	BaseScore  string `json:"base_score"`
	NumClass   string `json:"num_class"`
	NumFeature string `json:"num_feature"`
	NumTarget  string `json:"num_target"`
}

type xgbObjective struct {
	Name         string            `json:"name"`
	RegLossParam map[string]string `json:"reg_loss_param,omitempty"`
}

// flexBools decodes default_left written either as booleans (XGBoost 1.x)
// or as 0/1 integers (2.x). It always encodes as integers.
type flexBools []bool

func (f *flexBools) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]bool, len(raw))
	for i, r := range raw {
		switch s := strings.TrimSpace(string(r)); s {
		case "true", "1":
			out[i] = true
		case "false", "0":
		default:
			return fmt.Errorf("default_left[%d]: unexpected value %s", i, s)
		}
	}
	*f = out
	return nil
}

func (f flexBools) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		if b {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// MarshalXGBoostJSON encodes m in the XGBoost JSON model format.
func MarshalXGBoostJSON(m *Model) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	nf := strconv.Itoa(m.NumFeature)
	trees := make([]xgbTree, len(m.Trees))
	treeInfo := make([]int, len(m.Trees))
	indptr := make([]int, len(m.Trees)+1)
	for i := range m.Trees {
		t := &m.Trees[i]
		n := t.NumNodes()
		trees[i] = xgbTree{
			BaseWeights:        orZeros(t.BaseWeights, n),
			Categories:         []int{},
			CategoriesNodes:    []int{},
			CategoriesSegments: []int{},
			CategoriesSizes:    []int{},
			DefaultLeft:        flexBools(t.DefaultLeft),
			ID:                 i,
			LeftChildren:       t.LeftChildren,
			LossChanges:        orZeros(t.LossChanges, n),
			Parents:            parentsOf(t),
			RightChildren:      t.RightChildren,
			SplitConditions:    t.SplitConditions,
			SplitIndices:       t.SplitIndices,
			SplitType:          make([]int, n),
			SumHessian:         orZeros(t.SumHessian, n),
			TreeParam: xgbTreeParam{
				NumDeleted:     "0",
				NumFeature:     nf,
				NumNodes:       strconv.Itoa(n),
				SizeLeafVector: "1",
			},
		}
		indptr[i+1] = i + 1
	}

	featureNames := m.FeatureNames
	if featureNames == nil {
		featureNames = []string{}
	}
	featureTypes := make([]string, len(featureNames))
	for i := range featureTypes {
		featureTypes[i] = "float"
	}

	doc := xgbDocument{
		Learner: xgbLearner{
			Attributes:   map[string]string{},
			FeatureNames: featureNames,
			FeatureTypes: featureTypes,
			GradientBooster: xgbBooster{
				Name: "gbtree",
				Model: xgbGBTreeModel{
					GBTreeModelParam: xgbGBTreeParam{
						NumParallelTree: "1",
						NumTrees:        strconv.Itoa(len(m.Trees)),
					},
					IterationIndptr: indptr,
					TreeInfo:        treeInfo,
					Trees:           trees,
				},
			},
			LearnerModelParam: xgbLearnerParam{
				BaseScore:  strconv.FormatFloat(float64(m.BaseScore), 'E', -1, 32),
				NumClass:   "0",
				NumFeature: nf,
				NumTarget:  "1",
			},
			Objective: xgbObjective{
				Name:         m.Objective,
				RegLossParam: map[string]string{"scale_pos_weight": "1"},
			},
		},
		Version: formatVersion,
	}
	return json.Marshal(doc)
}

// UnmarshalXGBoostJSON decodes an XGBoost JSON model. Only single-target
// binary models with one tree per round are supported.
func UnmarshalXGBoostJSON(data []byte) (*Model, error) {
	var doc xgbDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("forest: invalid XGBoost JSON: %w", err)
	}
	l := &doc.Learner

	if l.GradientBooster.Name != "gbtree" {
		return nil, fmt.Errorf("forest: unsupported booster %q", l.GradientBooster.Name)
	}
	if n := l.LearnerModelParam.NumClass; n != "" && n != "0" && n != "1" {
		return nil, fmt.Errorf("forest: multi-class models are not supported (num_class=%s)", n)
	}
	if n := l.GradientBooster.Model.GBTreeModelParam.NumParallelTree; n != "" && n != "1" {
		return nil, fmt.Errorf("forest: num_parallel_tree=%s is not supported", n)
	}

	numFeature, err := strconv.Atoi(l.LearnerModelParam.NumFeature)
	if err != nil {
		return nil, fmt.Errorf("forest: invalid num_feature %q: %w", l.LearnerModelParam.NumFeature, err)
	}
	baseScore, err := parseBaseScore(l.LearnerModelParam.BaseScore)
	if err != nil {
		return nil, err
	}

	m := &Model{
		BaseScore:  baseScore,
		NumFeature: numFeature,
		Objective:  l.Objective.Name,
	}
	if len(l.FeatureNames) > 0 {
		m.FeatureNames = l.FeatureNames
	}
	for _, xt := range l.GradientBooster.Model.Trees {
		m.Trees = append(m.Trees, Tree{
			LeftChildren:    xt.LeftChildren,
			RightChildren:   xt.RightChildren,
			Parents:         xt.Parents,
			SplitIndices:    xt.SplitIndices,
			SplitConditions: xt.SplitConditions,
			DefaultLeft:     []bool(xt.DefaultLeft),
			BaseWeights:     xt.BaseWeights,
			LossChanges:     xt.LossChanges,
			SumHessian:      xt.SumHessian,
		})
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// parseBaseScore accepts "5E-1" as well as the bracketed vector form
// "[5E-1]" written by newer XGBoost releases.
func parseBaseScore(s string) (float32, error) {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "[]"))
	if i := strings.IndexByte(s, ','); i >= 0 {
		return 0, fmt.Errorf("forest: multi-target base_score %q is not supported", s)
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("forest: invalid base_score %q: %w", s, err)
	}
	return float32(v), nil
}

// WriteFile encodes m and writes it to path.
func WriteFile(path string, m *Model) error {
	data, err := MarshalXGBoostJSON(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("forest: failed to write %s: %w", path, err)
	}
	return nil
}

// ReadFile decodes the model stored at path.
func ReadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("forest: failed to open model: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("forest: failed to read %s: %w", path, err)
	}
	m, err := UnmarshalXGBoostJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func orZeros(v []float32, n int) []float32 {
	if len(v) == n {
		return v
	}
	return make([]float32, n)
}

func parentsOf(t *Tree) []int32 {
	if len(t.Parents) == t.NumNodes() {
		return t.Parents
	}
	parents := make([]int32, t.NumNodes())
	parents[0] = rootParent
	for id := range t.LeftChildren {
		if l := t.LeftChildren[id]; l != -1 {
			parents[l] = int32(id)
			parents[t.RightChildren[id]] = int32(id)
		}
	}
	return parents
}
