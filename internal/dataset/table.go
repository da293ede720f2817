// Package dataset prepares tabular training data: it loads a CSV file,
// infers column kinds, imputes missing values, label-encodes categorical
// columns and splits the result into train and test sets.
//
// Preparation is split into Fit (learn fill values and category codes from a
// table) and Transform (apply them). The fitted Schema is serializable, so
// the exact transform used for training can be replayed when building
// inference requests.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shinji-kodama/treeserve/internal/model"
)

// ErrEmptyTable is returned when a CSV file has a header but no rows.
var ErrEmptyTable = errors.New("dataset: table has no rows")

// DefaultMissingTokens are the raw values treated as missing in every column.
var DefaultMissingTokens = []string{"", "NA", "NaN", "nan", "null", "NULL"}

// Table is a raw CSV table: a header and string cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// LoadCSV opens path and reads it with ReadCSV.
func LoadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(model.ExitConfigNotFound,
				fmt.Sprintf("data file not found: %s", path), err)
		}
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer func() { _ = f.Close() }()

	t, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ReadCSV reads a CSV stream whose first record is the header. Every record
// must have as many fields as the header.
func ReadCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("dataset: missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: failed to read header: %w", err)
	}
	seen := make(map[string]bool, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("dataset: header column %d is empty", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("dataset: duplicate header column %q", name)
		}
		seen[name] = true
		header[i] = name
	}

	t := &Table{Header: header}
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: failed to read row %d: %w", len(t.Rows)+1, err)
		}
		t.Rows = append(t.Rows, rec)
	}
	if len(t.Rows) == 0 {
		return nil, ErrEmptyTable
	}
	return t, nil
}

// ColumnIndex returns the index of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the named column's cells.
func (t *Table) Column(name string) ([]string, error) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("dataset: no column named %q", name)
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}
