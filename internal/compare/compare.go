// Package compare checks remote predictions against local ones.
package compare

import (
	"fmt"
	"math"
)

// Default tolerances for comparing server probabilities with local ones.
// The server computes in float32, the local model accumulates in float64.
const (
	DefaultRTol = 1e-3
	DefaultATol = 1e-5
)

// Report summarizes an element-wise comparison.
type Report struct {
	Count       int     `json:"count"`
	MaxAbsDiff  float64 `json:"maxAbsDiff"`
	MaxRelDiff  float64 `json:"maxRelDiff"`
	RTol        float64 `json:"rtol"`
	ATol        float64 `json:"atol"`
	Mismatches  []int   `json:"mismatches,omitempty"`
	MatchedRows int     `json:"matchedRows"`
}

// OK reports whether every element was within tolerance.
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

// String returns a one-line summary.
func (r *Report) String() string {
	status := "all close"
	if !r.OK() {
		status = fmt.Sprintf("%d of %d differ", len(r.Mismatches), r.Count)
	}
	return fmt.Sprintf("%s (max abs diff %.3g, max rel diff %.3g, rtol %g, atol %g)",
		status, r.MaxAbsDiff, r.MaxRelDiff, r.RTol, r.ATol)
}

// AllClose compares remote (b) against local (a) with the rule
// |a-b| <= atol + rtol*|b|. NaN equals nothing, not even NaN.
func AllClose(local, remote []float64, rtol, atol float64) (*Report, error) {
	if len(local) != len(remote) {
		return nil, fmt.Errorf("compare: %d local values but %d remote values", len(local), len(remote))
	}
	if rtol < 0 || atol < 0 {
		return nil, fmt.Errorf("compare: tolerances must be non-negative (rtol %g, atol %g)", rtol, atol)
	}

	r := &Report{Count: len(local), RTol: rtol, ATol: atol}
	for i := range local {
		a, b := local[i], remote[i]
		diff := math.Abs(a - b)
		if math.IsNaN(diff) {
			r.Mismatches = append(r.Mismatches, i)
			continue
		}
		if diff > r.MaxAbsDiff {
			r.MaxAbsDiff = diff
		}
		if b != 0 {
			if rel := diff / math.Abs(b); rel > r.MaxRelDiff {
				r.MaxRelDiff = rel
			}
		}
		if diff > atol+rtol*math.Abs(b) {
			r.Mismatches = append(r.Mismatches, i)
			continue
		}
		r.MatchedRows++
	}
	return r, nil
}
