package compare

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllClose(t *testing.T) {
	tests := []struct {
		name       string
		local      []float64
		remote     []float64
		rtol, atol float64
		mismatches []int
	}{
		{"identical", []float64{0.1, 0.5, 0.9}, []float64{0.1, 0.5, 0.9}, 0, 0, nil},
		{"float32 rounding", []float64{0.123456789}, []float64{float64(float32(0.123456789))}, DefaultRTol, DefaultATol, nil},
		{"relative tolerance scales with remote", []float64{100}, []float64{100.05}, 1e-3, 0, nil},
		{"outside tolerance", []float64{0.1, 0.2}, []float64{0.1, 0.3}, 1e-3, 1e-5, []int{1}},
		{"atol only", []float64{0, 1}, []float64{1e-6, 1.1}, 0, 1e-5, []int{1}},
		{"nan never matches", []float64{math.NaN()}, []float64{math.NaN()}, 1, 1, []int{0}},
		{"empty", nil, nil, 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := AllClose(tt.local, tt.remote, tt.rtol, tt.atol)
			require.NoError(t, err)
			assert.Equal(t, tt.mismatches, r.Mismatches)
			assert.Equal(t, len(tt.mismatches) == 0, r.OK())
			assert.Equal(t, len(tt.local), r.Count)
			assert.Equal(t, r.Count-len(tt.mismatches), r.MatchedRows)
		})
	}
}

func TestAllClose_Asymmetric(t *testing.T) {
	// |a-b| <= atol + rtol*|b| uses the remote value as the reference.
	r, err := AllClose([]float64{1}, []float64{2}, 0.5, 0)
	require.NoError(t, err)
	assert.True(t, r.OK())

	r, err = AllClose([]float64{2}, []float64{1}, 0.5, 0)
	require.NoError(t, err)
	assert.False(t, r.OK())
}

func TestAllClose_Stats(t *testing.T) {
	r, err := AllClose([]float64{0.5, 0.2}, []float64{0.4, 0.2}, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, r.MaxAbsDiff, 1e-12)
	assert.InDelta(t, 0.25, r.MaxRelDiff, 1e-12)
	assert.Contains(t, r.String(), "1 of 2 differ")
}

func TestAllClose_Errors(t *testing.T) {
	_, err := AllClose([]float64{1}, nil, 0, 0)
	assert.Error(t, err)

	_, err = AllClose(nil, nil, -1, 0)
	assert.Error(t, err)
}
