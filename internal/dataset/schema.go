package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// ColumnKind is the inferred type of a feature column.
type ColumnKind string

const (
	// KindNumeric columns parse as float64 wherever they are not missing.
	KindNumeric ColumnKind = "numeric"

	// KindCategorical columns hold at least one non-numeric value.
	KindCategorical ColumnKind = "categorical"
)

// Imputation strategies for numeric columns.
const (
	ImputeMean     = "mean"
	ImputeMedian   = "median"
	ImputeConstant = "constant"
)

// Options controls Fit.
type Options struct {
	// Target is the 0/1 label column. It is excluded from the features.
	Target string

	// Drop lists columns excluded from the features.
	Drop []string

	// NumericImpute is ImputeMean, ImputeMedian or ImputeConstant.
	NumericImpute string

	// NumericFill is used by ImputeConstant, and when a numeric column has
	// no observed values at all.
	NumericFill float64

	// CategoricalFill replaces missing categorical values.
	CategoricalFill string

	// MissingTokens extends DefaultMissingTokens.
	MissingTokens []string
}

// Column is the fitted transform of one feature column.
type Column struct {
	Name string     `json:"name"`
	Kind ColumnKind `json:"kind"`

	// Fill replaces missing numeric values.
	Fill float64 `json:"fill,omitempty"`

	// FillCategory replaces missing categorical values before encoding.
	FillCategory string `json:"fillCategory,omitempty"`

	// Categories holds the distinct categorical values in sorted order.
	// A value's code is its index in this slice.
	Categories []string `json:"categories,omitempty"`
}

// Code returns the label code of a categorical value, or -1 when the value
// was not seen during Fit.
func (c *Column) Code(value string) float32 {
	i := sort.SearchStrings(c.Categories, value)
	if i < len(c.Categories) && c.Categories[i] == value {
		return float32(i)
	}
	return -1
}

// Schema is the fitted preparation of a table.
type Schema struct {
	Target        string   `json:"target"`
	Columns       []Column `json:"columns"`
	MissingTokens []string `json:"missingTokens"`
}

// FeatureNames returns the feature column names in matrix order.
func (s *Schema) FeatureNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// NumFeatures returns the width of the feature matrix.
func (s *Schema) NumFeatures() int {
	return len(s.Columns)
}

func (s *Schema) isMissing(v string) bool {
	for _, tok := range s.MissingTokens {
		if v == tok {
			return true
		}
	}
	return false
}

// Fit infers column kinds and learns fill values and category codes.
func Fit(t *Table, opts Options) (*Schema, error) {
	if opts.Target == "" {
		return nil, fmt.Errorf("dataset: target column must be set")
	}
	if t.ColumnIndex(opts.Target) < 0 {
		return nil, fmt.Errorf("dataset: target column %q not found", opts.Target)
	}
	if opts.NumericImpute == "" {
		opts.NumericImpute = ImputeMean
	}

	s := &Schema{
		Target:        opts.Target,
		MissingTokens: append(append([]string{}, DefaultMissingTokens...), opts.MissingTokens...),
	}

	drop := make(map[string]bool, len(opts.Drop)+1)
	drop[opts.Target] = true
	for _, d := range opts.Drop {
		if t.ColumnIndex(d) < 0 {
			return nil, fmt.Errorf("dataset: drop column %q not found", d)
		}
		drop[d] = true
	}

	for j, name := range t.Header {
		if drop[name] {
			continue
		}
		col, err := fitColumn(s, t, j, name, opts)
		if err != nil {
			return nil, err
		}
		s.Columns = append(s.Columns, col)
	}
	if len(s.Columns) == 0 {
		return nil, fmt.Errorf("dataset: no feature columns left after dropping target and %v", opts.Drop)
	}
	return s, nil
}

func fitColumn(s *Schema, t *Table, j int, name string, opts Options) (Column, error) {
	var nums []float64
	numeric := true
	missing := 0
	for _, row := range t.Rows {
		v := row[j]
		if s.isMissing(v) {
			missing++
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) {
			numeric = false
			break
		}
		nums = append(nums, f)
	}

	if numeric {
		col := Column{Name: name, Kind: KindNumeric, Fill: opts.NumericFill}
		if len(nums) == 0 {
			return col, nil
		}
		switch opts.NumericImpute {
		case ImputeMean:
			col.Fill = stat.Mean(nums, nil)
		case ImputeMedian:
			sort.Float64s(nums)
			col.Fill = stat.Quantile(0.5, stat.Empirical, nums, nil)
		case ImputeConstant:
		default:
			return Column{}, fmt.Errorf("dataset: unknown numeric imputation %q", opts.NumericImpute)
		}
		return col, nil
	}

	col := Column{Name: name, Kind: KindCategorical, FillCategory: opts.CategoricalFill}
	distinct := make(map[string]struct{})
	for _, row := range t.Rows {
		v := row[j]
		if s.isMissing(v) {
			v = col.FillCategory
		}
		distinct[v] = struct{}{}
	}
	col.Categories = make([]string, 0, len(distinct))
	for v := range distinct {
		col.Categories = append(col.Categories, v)
	}
	sort.Strings(col.Categories)
	return col, nil
}

// Prepared is an encoded feature matrix with optional labels.
type Prepared struct {
	Features []string
	X        [][]float32
	// Y is nil when the transformed table had no target column.
	Y []float32
}

// Len returns the number of rows.
func (p *Prepared) Len() int {
	return len(p.X)
}

// Positives counts rows labeled 1.
func (p *Prepared) Positives() int {
	n := 0
	for _, y := range p.Y {
		if y == 1 {
			n++
		}
	}
	return n
}

// Transform imputes and encodes t with the fitted schema. Labels are read
// when t contains the target column; each must be 0 or 1.
func (s *Schema) Transform(t *Table) (*Prepared, error) {
	idx := make([]int, len(s.Columns))
	for i, c := range s.Columns {
		idx[i] = t.ColumnIndex(c.Name)
		if idx[i] < 0 {
			return nil, fmt.Errorf("dataset: column %q missing from table", c.Name)
		}
	}
	targetIdx := t.ColumnIndex(s.Target)

	p := &Prepared{
		Features: s.FeatureNames(),
		X:        make([][]float32, len(t.Rows)),
	}
	if targetIdx >= 0 {
		p.Y = make([]float32, len(t.Rows))
	}

	for r, row := range t.Rows {
		x := make([]float32, len(s.Columns))
		for i := range s.Columns {
			v, err := s.encode(&s.Columns[i], row[idx[i]])
			if err != nil {
				return nil, fmt.Errorf("dataset: row %d: %w", r+1, err)
			}
			x[i] = v
		}
		p.X[r] = x

		if targetIdx >= 0 {
			raw := row[targetIdx]
			y, err := strconv.ParseFloat(raw, 64)
			if err != nil || (y != 0 && y != 1) {
				return nil, fmt.Errorf("dataset: row %d: target %q must be 0 or 1, got %q", r+1, s.Target, raw)
			}
			p.Y[r] = float32(y)
		}
	}
	return p, nil
}

func (s *Schema) encode(c *Column, v string) (float32, error) {
	missing := s.isMissing(v)
	switch c.Kind {
	case KindNumeric:
		if missing {
			return float32(c.Fill), nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("column %q: %q is not numeric", c.Name, v)
		}
		return float32(f), nil
	case KindCategorical:
		if missing {
			v = c.FillCategory
		}
		return c.Code(v), nil
	default:
		return 0, fmt.Errorf("column %q: unknown kind %q", c.Name, c.Kind)
	}
}

// Prepare fits a schema on t and transforms t with it.
func Prepare(t *Table, opts Options) (*Schema, *Prepared, error) {
	s, err := Fit(t, opts)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.Transform(t)
	if err != nil {
		return nil, nil, err
	}
	return s, p, nil
}

// Save writes the schema as indented JSON.
func (s *Schema) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}
	return nil
}

// LoadSchema reads a schema written by Save.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", path, err)
	}
	return &s, nil
}
