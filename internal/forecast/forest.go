package forecast

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Regressor maps a feature vector to a scalar estimate.
type Regressor interface {
	Predict(x []float64) float64
}

// Algorithm fits and (de)serializes one kind of Regressor.
type Algorithm interface {
	Name() string
	Fit(x [][]float64, y []float64) (Regressor, error)
	Encode(r Regressor) ([]byte, error)
	Decode(b []byte) (Regressor, error)
}

const (
	DefaultEstimators = 100
	DefaultSeed       = 42
)

// RandomForest is a bagged ensemble of CART regression trees. Every split
// considers all features, so randomness comes only from the bootstrap draw
// and fitting is deterministic for a given Seed.
type RandomForest struct {
	Estimators     int
	MaxDepth       int // 0 means unlimited
	MinSamplesLeaf int
	Seed           int64
	Workers        int
}

func NewRandomForest() *RandomForest {
	return &RandomForest{Estimators: DefaultEstimators, MinSamplesLeaf: 1, Seed: DefaultSeed}
}

func (rf *RandomForest) Name() string { return "random_forest" }

func (rf *RandomForest) Fit(x [][]float64, y []float64) (Regressor, error) {
	n := len(x)
	if n == 0 {
		return nil, errors.New("fit: no samples")
	}
	if len(y) != n {
		return nil, fmt.Errorf("fit: %d rows but %d targets", n, len(y))
	}
	width := len(x[0])
	for i, row := range x {
		if len(row) != width {
			return nil, fmt.Errorf("fit: row %d has %d features, want %d", i, len(row), width)
		}
	}
	estimators := rf.Estimators
	if estimators <= 0 {
		estimators = DefaultEstimators
	}
	minLeaf := rf.MinSamplesLeaf
	if minLeaf < 1 {
		minLeaf = 1
	}
	workers := rf.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// Draw every bootstrap sample up front so the result does not depend on
	// how trees are scheduled.
	rng := rand.New(rand.NewSource(rf.Seed))
	samples := make([][]int, estimators)
	for t := range samples {
		s := make([]int, n)
		for i := range s {
			s[i] = rng.Intn(n)
		}
		samples[t] = s
	}

	forest := &Forest{Trees: make([]Tree, estimators)}
	var g errgroup.Group
	g.SetLimit(workers)
	for t := range samples {
		g.Go(func() error {
			b := treeBuilder{x: x, y: y, maxDepth: rf.MaxDepth, minLeaf: minLeaf, features: width}
			b.build(samples[t], 0)
			forest.Trees[t] = Tree{Nodes: b.nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return forest, nil
}

func (rf *RandomForest) Encode(r Regressor) ([]byte, error) {
	f, ok := r.(*Forest)
	if !ok {
		return nil, fmt.Errorf("encode: unexpected regressor %T", r)
	}
	return json.Marshal(f)
}

func (rf *RandomForest) Decode(b []byte) (Regressor, error) {
	var f Forest
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode forest: %w", err)
	}
	if len(f.Trees) == 0 {
		return nil, errors.New("decode forest: no trees")
	}
	for i, t := range f.Trees {
		if err := t.validate(len(FeatureNames)); err != nil {
			return nil, fmt.Errorf("decode forest: tree %d: %w", i, err)
		}
	}
	return &f, nil
}

// Forest averages the predictions of its trees.
type Forest struct {
	Trees []Tree `json:"trees"`
}

func (f *Forest) Predict(x []float64) float64 {
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].Predict(x)
	}
	return sum / float64(len(f.Trees))
}

// Tree stores nodes in a flat slice; node 0 is the root. A node with
// Feature < 0 is a leaf.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v"`
}

func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// validate checks that split features fit a vector of the given width and
// that child links point forward, which also rules out cycles.
func (t *Tree) validate(width int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Feature < 0 {
			continue
		}
		if n.Feature >= width {
			return fmt.Errorf("node %d splits on feature %d, vector has %d", i, n.Feature, width)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has bad children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

type treeBuilder struct {
	x        [][]float64
	y        []float64
	maxDepth int
	minLeaf  int
	features int
	nodes    []Node
}

func (b *treeBuilder) build(idx []int, depth int) int {
	id := len(b.nodes)
	value := b.mean(idx)
	b.nodes = append(b.nodes, Node{Feature: -1, Value: value})
	if len(idx) < 2*b.minLeaf || (b.maxDepth > 0 && depth >= b.maxDepth) {
		return id
	}
	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		return id
	}
	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return id
	}
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[id] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r, Value: value}
	return id
}

func (b *treeBuilder) mean(idx []int) float64 {
	var sum float64
	for _, i := range idx {
		sum += b.y[i]
	}
	return sum / float64(len(idx))
}

// bestSplit maximizes the reduction in squared error. Ties keep the first
// candidate found (lowest feature, lowest threshold).
func (b *treeBuilder) bestSplit(idx []int) (feature int, threshold float64, ok bool) {
	n := len(idx)
	var total float64
	for _, i := range idx {
		total += b.y[i]
	}
	parent := total * total / float64(n)
	best := parent
	const minGain = 1e-9

	sorted := make([]int, n)
	for f := 0; f < b.features; f++ {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool { return b.x[sorted[a]][f] < b.x[sorted[c]][f] })

		var leftSum float64
		for k := 0; k < n-1; k++ {
			leftSum += b.y[sorted[k]]
			lo, hi := b.x[sorted[k]][f], b.x[sorted[k+1]][f]
			if lo == hi {
				continue
			}
			leftN, rightN := k+1, n-k-1
			if leftN < b.minLeaf || rightN < b.minLeaf {
				continue
			}
			rightSum := total - leftSum
			score := leftSum*leftSum/float64(leftN) + rightSum*rightSum/float64(rightN)
			if score > best+minGain*(1+math.Abs(best)) {
				mid := lo + (hi-lo)/2
				if mid >= hi {
					mid = lo
				}
				best, feature, threshold, ok = score, f, mid, true
			}
		}
	}
	return feature, threshold, ok
}
