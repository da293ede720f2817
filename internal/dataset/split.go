package dataset

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
)

// Split shuffles the rows with a seeded source and holds out testFraction of
// them. Every row lands in exactly one side, and both sides are non-empty
// when there are at least two rows.
func Split(p *Prepared, testFraction float64, seed int64) (train, test *Prepared, err error) {
	n := p.Len()
	if n < 2 {
		return nil, nil, fmt.Errorf("dataset: need at least 2 rows to split, have %d", n)
	}
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("dataset: test fraction must be in (0, 1), got %g", testFraction)
	}

	nTest := int(math.Round(float64(n) * testFraction))
	if nTest < 1 {
		nTest = 1
	}
	if nTest > n-1 {
		nTest = n - 1
	}

	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(n)

	train = subset(p, perm[nTest:])
	test = subset(p, perm[:nTest])
	return train, test, nil
}

func subset(p *Prepared, rows []int) *Prepared {
	out := &Prepared{
		Features: p.Features,
		X:        make([][]float32, len(rows)),
	}
	if p.Y != nil {
		out.Y = make([]float32, len(rows))
	}
	for i, r := range rows {
		out.X[i] = p.X[r]
		if p.Y != nil {
			out.Y[i] = p.Y[r]
		}
	}
	return out
}

// Head returns the first n rows (or all rows when n exceeds Len).
func (p *Prepared) Head(n int) *Prepared {
	if n > p.Len() {
		n = p.Len()
	}
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return subset(p, rows)
}

// WriteLibSVM writes rows in LibSVM text format for the external trainer:
// "label idx:value ..." with zero-based feature indices. NaN values are
// omitted, which the trainer reads as missing.
func WriteLibSVM(w io.Writer, p *Prepared) error {
	if p.Y == nil {
		return fmt.Errorf("dataset: LibSVM output requires labels")
	}
	bw := bufio.NewWriter(w)
	for i, x := range p.X {
		bw.WriteString(strconv.FormatFloat(float64(p.Y[i]), 'g', -1, 32))
		for j, v := range x {
			if math.IsNaN(float64(v)) {
				continue
			}
			bw.WriteByte(' ')
			bw.WriteString(strconv.Itoa(j))
			bw.WriteByte(':')
			bw.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("dataset: failed to write LibSVM row %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// WriteCSV writes the encoded matrix with a header. The target column is
// appended last when labels are present.
func WriteCSV(w io.Writer, p *Prepared, target string) error {
	cw := csv.NewWriter(w)
	header := append([]string{}, p.Features...)
	if p.Y != nil {
		header = append(header, target)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for i, x := range p.X {
		for j, v := range x {
			rec[j] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		if p.Y != nil {
			rec[len(x)] = strconv.FormatFloat(float64(p.Y[i]), 'g', -1, 32)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadEncodedCSV reads a table written by WriteCSV back into a Prepared.
// The target column, when present, becomes the labels.
func ReadEncodedCSV(t *Table, target string) (*Prepared, error) {
	targetIdx := t.ColumnIndex(target)
	p := &Prepared{X: make([][]float32, len(t.Rows))}
	for j, name := range t.Header {
		if j != targetIdx {
			p.Features = append(p.Features, name)
		}
	}
	if targetIdx >= 0 {
		p.Y = make([]float32, len(t.Rows))
	}
	for r, row := range t.Rows {
		x := make([]float32, 0, len(p.Features))
		for j, raw := range row {
			v, err := strconv.ParseFloat(raw, 32)
			if err != nil {
				return nil, fmt.Errorf("dataset: row %d column %q: %q is not numeric", r+1, t.Header[j], raw)
			}
			if j == targetIdx {
				p.Y[r] = float32(v)
				continue
			}
			x = append(x, float32(v))
		}
		p.X[r] = x
	}
	return p, nil
}
