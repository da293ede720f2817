package forest

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// minSplitGain is the smallest loss reduction accepted for a split.
const minSplitGain = 1e-6

// Params configures Train. The fields mirror the XGBoost parameters of the
// same names.
type Params struct {
	Rounds         int
	MaxDepth       int
	LearningRate   float64
	Lambda         float64
	Gamma          float64
	MinChildWeight float64
	Subsample      float64
	Seed           int64

	// Workers bounds the number of features scanned concurrently.
	// Zero means GOMAXPROCS.
	Workers int

	// Logger receives per-round progress at debug level. May be nil.
	Logger *zap.Logger

	// LogEvery sets how many rounds pass between progress lines.
	// Zero means 10.
	LogEvery int
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.Rounds < 1:
		return fmt.Errorf("forest: rounds must be at least 1, got %d", p.Rounds)
	case p.MaxDepth < 1:
		return fmt.Errorf("forest: max depth must be at least 1, got %d", p.MaxDepth)
	case p.LearningRate <= 0 || p.LearningRate > 1:
		return fmt.Errorf("forest: learning rate must be in (0, 1], got %g", p.LearningRate)
	case p.Lambda < 0:
		return fmt.Errorf("forest: lambda must be non-negative, got %g", p.Lambda)
	case p.Gamma < 0:
		return fmt.Errorf("forest: gamma must be non-negative, got %g", p.Gamma)
	case p.MinChildWeight < 0:
		return fmt.Errorf("forest: min child weight must be non-negative, got %g", p.MinChildWeight)
	case p.Subsample <= 0 || p.Subsample > 1:
		return fmt.Errorf("forest: subsample must be in (0, 1], got %g", p.Subsample)
	}
	return nil
}

// Train fits a binary:logistic ensemble on X and 0/1 labels y with exact
// greedy split finding. Trees grow level by level; at each level every
// feature is scanned concurrently. ctx is checked between rounds and while
// scanning.
func Train(ctx context.Context, X [][]float32, y []float32, features []string, p Params) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(X) == 0 {
		return nil, fmt.Errorf("forest: no training rows")
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("forest: %d rows but %d labels", len(X), len(y))
	}
	nf := len(X[0])
	if nf == 0 {
		return nil, fmt.Errorf("forest: rows have no features")
	}
	for i, x := range X {
		if len(x) != nf {
			return nil, fmt.Errorf("forest: row %d has %d features, want %d", i, len(x), nf)
		}
	}
	if len(features) != 0 && len(features) != nf {
		return nil, fmt.Errorf("forest: %d feature names for %d features", len(features), nf)
	}

	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if p.Workers <= 0 {
		p.Workers = runtime.GOMAXPROCS(0)
	}
	if p.LogEvery <= 0 {
		p.LogEvery = 10
	}

	b := &builder{
		X:      X,
		params: p,
		g:      make([]float64, len(X)),
		h:      make([]float64, len(X)),
		pos:    make([]int32, len(X)),
	}
	if err := b.presort(ctx, nf); err != nil {
		return nil, err
	}

	m := &Model{
		BaseScore:  baseScore(y),
		NumFeature: nf,
		Objective:  ObjectiveBinaryLogistic,
	}
	if len(features) != 0 {
		m.FeatureNames = append([]string(nil), features...)
	}

	margins := make([]float64, len(X))
	base := m.BaseMargin()
	for i := range margins {
		margins[i] = base
	}

	rng := rand.New(rand.NewSource(p.Seed))
	for round := 0; round < p.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i := range X {
			prob := sigmoid(margins[i])
			b.g[i] = prob - float64(y[i])
			b.h[i] = math.Max(prob*(1-prob), 1e-16)
			b.pos[i] = 0
			if p.Subsample < 1 && rng.Float64() >= p.Subsample {
				b.pos[i] = -1
			}
		}

		tree, err := b.grow(ctx)
		if err != nil {
			return nil, err
		}
		m.Trees = append(m.Trees, *tree)

		for i, x := range X {
			margins[i] += float64(tree.Leaf(x))
		}

		if (round+1)%p.LogEvery == 0 || round+1 == p.Rounds {
			log.Debug("boosting round finished",
				zap.Int("round", round+1),
				zap.Int("nodes", tree.NumNodes()),
				zap.Float64("train_logloss", logLoss(y, margins)),
			)
		}
	}
	return m, nil
}

// builder holds per-round training state shared by the feature scanners.
type builder struct {
	X      [][]float32
	params Params

	// sorted[f] lists the rows with a present value for feature f in
	// ascending value order.
	sorted [][]int32

	g, h []float64

	// pos maps each row to the tree node it currently sits in, or -1 when
	// the row is excluded from this round.
	pos []int32
}

type nodeStat struct {
	G, H  float64
	Count int
}

type candidate struct {
	gain        float64
	feature     int32
	cond        float32
	defaultLeft bool
	left        nodeStat
}

func (b *builder) presort(ctx context.Context, nf int) error {
	b.sorted = make([][]int32, nf)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(b.params.Workers)
	for f := 0; f < nf; f++ {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			idx := make([]int32, 0, len(b.X))
			for i, x := range b.X {
				if !math.IsNaN(float64(x[f])) {
					idx = append(idx, int32(i))
				}
			}
			slices.SortStableFunc(idx, func(a, c int32) int {
				return cmp.Compare(b.X[a][f], b.X[c][f])
			})
			b.sorted[f] = idx
			return nil
		})
	}
	return eg.Wait()
}

// grow builds one tree from the gradients in b.
func (b *builder) grow(ctx context.Context) (*Tree, error) {
	t := &Tree{}
	var stats []nodeStat
	addNode := func(parent int32, s nodeStat) int32 {
		t.LeftChildren = append(t.LeftChildren, -1)
		t.RightChildren = append(t.RightChildren, -1)
		t.Parents = append(t.Parents, parent)
		t.SplitIndices = append(t.SplitIndices, 0)
		t.SplitConditions = append(t.SplitConditions, 0)
		t.DefaultLeft = append(t.DefaultLeft, false)
		t.BaseWeights = append(t.BaseWeights, 0)
		t.LossChanges = append(t.LossChanges, 0)
		t.SumHessian = append(t.SumHessian, 0)
		stats = append(stats, s)
		return int32(len(t.LeftChildren) - 1)
	}

	var root nodeStat
	for i, p := range b.pos {
		if p == 0 {
			root.G += b.g[i]
			root.H += b.h[i]
			root.Count++
		}
	}
	level := []int32{addNode(rootParent, root)}

	for depth := 0; depth < b.params.MaxDepth && len(level) > 0; depth++ {
		slot := make([]int32, len(stats))
		for i := range slot {
			slot[i] = -1
		}
		for k, id := range level {
			slot[id] = int32(k)
		}

		best := make([][]candidate, len(b.sorted))
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(b.params.Workers)
		for f := range b.sorted {
			eg.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				best[f] = b.scan(int32(f), level, slot, stats)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}

		var next []int32
		for k, id := range level {
			win := candidate{feature: -1}
			for f := range best {
				if c := best[f][k]; c.feature >= 0 && c.gain > win.gain {
					win = c
				}
			}
			if win.feature < 0 {
				continue
			}
			parent := stats[id]
			right := nodeStat{G: parent.G - win.left.G, H: parent.H - win.left.H, Count: parent.Count - win.left.Count}
			l := addNode(id, win.left)
			r := addNode(id, right)
			t.LeftChildren[id] = l
			t.RightChildren[id] = r
			t.SplitIndices[id] = win.feature
			t.SplitConditions[id] = win.cond
			t.DefaultLeft[id] = win.defaultLeft
			t.LossChanges[id] = float32(win.gain)
			next = append(next, l, r)
		}

		for i, id := range b.pos {
			if id < 0 || t.IsLeaf(id) {
				continue
			}
			v := b.X[i][t.SplitIndices[id]]
			switch {
			case math.IsNaN(float64(v)):
				if t.DefaultLeft[id] {
					b.pos[i] = t.LeftChildren[id]
				} else {
					b.pos[i] = t.RightChildren[id]
				}
			case v < t.SplitConditions[id]:
				b.pos[i] = t.LeftChildren[id]
			default:
				b.pos[i] = t.RightChildren[id]
			}
		}
		level = next
	}

	for id, s := range stats {
		w := b.weight(s)
		t.BaseWeights[id] = w
		t.SumHessian[id] = float32(s.H)
		if t.LeftChildren[id] == -1 {
			t.SplitConditions[id] = w
		}
	}
	return t, nil
}

// scan finds the best split on feature f for every node in level.
func (b *builder) scan(f int32, level, slot []int32, stats []nodeStat) []candidate {
	k := len(level)
	present := make([]nodeStat, k)
	for _, i := range b.sorted[f] {
		s := b.slotOf(i, slot)
		if s < 0 {
			continue
		}
		present[s].G += b.g[i]
		present[s].H += b.h[i]
		present[s].Count++
	}

	out := make([]candidate, k)
	for s := range out {
		out[s].feature = -1
	}
	acc := make([]nodeStat, k)
	last := make([]float32, k)

	for _, i := range b.sorted[f] {
		s := b.slotOf(i, slot)
		if s < 0 {
			continue
		}
		v := b.X[i][f]
		if acc[s].Count > 0 && v != last[s] {
			b.consider(&out[s], f, last[s], v, acc[s], present[s], stats[level[s]])
		}
		acc[s].G += b.g[i]
		acc[s].H += b.h[i]
		acc[s].Count++
		last[s] = v
	}
	return out
}

func (b *builder) slotOf(row int32, slot []int32) int32 {
	id := b.pos[row]
	if id < 0 || int(id) >= len(slot) {
		return -1
	}
	return slot[id]
}

// consider evaluates the split between adjacent distinct values lo and hi.
// Rows with a missing value are tried on the right and, when there are any,
// on the left.
func (b *builder) consider(best *candidate, f int32, lo, hi float32, acc, present, node nodeStat) {
	missing := nodeStat{G: node.G - present.G, H: node.H - present.H, Count: node.Count - present.Count}
	cond := splitPoint(lo, hi)

	try := func(left nodeStat, defaultLeft bool) {
		right := nodeStat{G: node.G - left.G, H: node.H - left.H, Count: node.Count - left.Count}
		if left.Count == 0 || right.Count == 0 {
			return
		}
		mcw := b.params.MinChildWeight
		if left.H < mcw || right.H < mcw {
			return
		}
		gain := b.gain(left, right, node)
		if gain > minSplitGain && gain > best.gain {
			*best = candidate{gain: gain, feature: f, cond: cond, defaultLeft: defaultLeft, left: left}
		}
	}

	try(acc, false)
	if missing.Count > 0 {
		try(nodeStat{G: acc.G + missing.G, H: acc.H + missing.H, Count: acc.Count + missing.Count}, true)
	}
}

func (b *builder) gain(left, right, parent nodeStat) float64 {
	lambda := b.params.Lambda
	score := func(s nodeStat) float64 {
		d := s.H + lambda
		if d <= 0 {
			return 0
		}
		return s.G * s.G / d
	}
	return 0.5*(score(left)+score(right)-score(parent)) - b.params.Gamma
}

func (b *builder) weight(s nodeStat) float32 {
	d := s.H + b.params.Lambda
	if d <= 0 {
		return 0
	}
	return float32(-s.G / d * b.params.LearningRate)
}

// splitPoint returns a float32 threshold c with lo < c <= hi so that lo
// routes left and hi routes right under the x < c rule.
func splitPoint(lo, hi float32) float32 {
	c := float32(float64(lo) + (float64(hi)-float64(lo))/2)
	if c <= lo {
		return hi
	}
	return c
}

// baseScore is the positive rate, clamped into the open unit interval.
func baseScore(y []float32) float32 {
	var pos float64
	for _, v := range y {
		pos += float64(v)
	}
	mean := pos / float64(len(y))
	return float32(math.Min(math.Max(mean, 1e-6), 1-1e-6))
}

func logLoss(y []float32, margins []float64) float64 {
	const eps = 1e-15
	var sum float64
	for i, m := range margins {
		p := math.Min(math.Max(sigmoid(m), eps), 1-eps)
		if y[i] == 1 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(margins))
}

// LogLoss returns the mean binary cross-entropy of probabilities p against
// labels y.
func LogLoss(y []float32, p []float64) float64 {
	margins := make([]float64, len(p))
	for i, v := range p {
		margins[i] = logit(math.Min(math.Max(v, 1e-15), 1-1e-15))
	}
	return logLoss(y, margins)
}
