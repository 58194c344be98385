// Package kdtree implements a k-d tree over fixed-dimension float keys, used
// as the default nearest-neighbor index for registration cost factors. Trees
// are immutable once built and safe for concurrent queries.
package kdtree

import (
	"sort"

	"github.com/pkg/errors"

	"go.viam.com/scanmatch/frame"
)

// KDTree is a static k-d tree over points of a common dimension.
type KDTree struct {
	dim    int
	points [][]float64
	root   *node
}

type node struct {
	index       int
	axis        int
	left, right *node
}

// New builds a tree over the given points. All points must share one nonzero
// dimension.
func New(points [][]float64) (*KDTree, error) {
	if len(points) == 0 {
		return nil, errors.New("cannot build a kd-tree over zero points")
	}
	dim := len(points[0])
	if dim == 0 {
		return nil, errors.New("cannot build a kd-tree over zero-dimensional points")
	}
	for i, p := range points {
		if len(p) != dim {
			return nil, errors.Errorf("point %d has dimension %d, expected %d", i, len(p), dim)
		}
	}
	t := &KDTree{dim: dim, points: points}
	indices := make([]int, len(points))
	for i := range indices {
		indices[i] = i
	}
	t.root = t.build(indices, 0)
	return t, nil
}

// FromFrame builds a 3D positional tree over a frame's points.
func FromFrame(f frame.Frame) (*KDTree, error) {
	if err := frame.Validate(f, "index", frame.Points); err != nil {
		return nil, err
	}
	points := make([][]float64, f.Size())
	for i := range points {
		p := f.Point(i)
		points[i] = []float64{p.X, p.Y, p.Z}
	}
	return New(points)
}

// FromFrameWithIntensity builds a 4D tree whose keys fold each point's
// intensity into the fourth coordinate, as the color-consistency
// correspondence search expects.
func FromFrameWithIntensity(f frame.Frame) (*KDTree, error) {
	if err := frame.Validate(f, "index", frame.Points, frame.Intensities); err != nil {
		return nil, err
	}
	points := make([][]float64, f.Size())
	for i := range points {
		p := f.Point(i)
		points[i] = []float64{p.X, p.Y, p.Z, f.Intensity(i)}
	}
	return New(points)
}

func (t *KDTree) build(indices []int, depth int) *node {
	if len(indices) == 0 {
		return nil
	}
	axis := depth % t.dim
	sort.Slice(indices, func(i, j int) bool {
		return t.points[indices[i]][axis] < t.points[indices[j]][axis]
	})
	median := len(indices) / 2
	return &node{
		index: indices[median],
		axis:  axis,
		left:  t.build(indices[:median], depth+1),
		right: t.build(indices[median+1:], depth+1),
	}
}

// Dim returns the key dimension of the tree.
func (t *KDTree) Dim() int {
	return t.dim
}

// KNN returns the indices and squared distances of up to k nearest neighbors
// of the query, closest first. Neighbors at squared distance of maxSqDist or
// more are excluded; a maxSqDist of zero or less means unbounded. An empty
// result means no neighbor within the bound.
func (t *KDTree) KNN(query []float64, k int, maxSqDist float64) ([]int, []float64) {
	if k <= 0 || len(query) != t.dim {
		return nil, nil
	}
	best := &resultSet{k: k, bound: maxSqDist}
	t.search(t.root, query, best)
	return best.indices, best.sqDists
}

// resultSet keeps the k best candidates in ascending distance order. k is
// small (typically 1), so insertion by shifting beats a heap here.
type resultSet struct {
	k       int
	bound   float64 // exclusive squared-distance bound, <=0 means unbounded
	indices []int
	sqDists []float64
}

func (r *resultSet) worst() float64 {
	if len(r.sqDists) < r.k {
		if r.bound > 0 {
			return r.bound
		}
		return -1 // sentinel: everything admissible
	}
	return r.sqDists[len(r.sqDists)-1]
}

func (r *resultSet) add(index int, sqDist float64) {
	if r.bound > 0 && sqDist >= r.bound {
		return
	}
	pos := sort.SearchFloat64s(r.sqDists, sqDist)
	if pos >= r.k {
		return
	}
	r.indices = append(r.indices, 0)
	r.sqDists = append(r.sqDists, 0)
	copy(r.indices[pos+1:], r.indices[pos:])
	copy(r.sqDists[pos+1:], r.sqDists[pos:])
	r.indices[pos] = index
	r.sqDists[pos] = sqDist
	if len(r.indices) > r.k {
		r.indices = r.indices[:r.k]
		r.sqDists = r.sqDists[:r.k]
	}
}

func (t *KDTree) search(n *node, query []float64, best *resultSet) {
	if n == nil {
		return
	}
	p := t.points[n.index]
	sqDist := 0.0
	for i := 0; i < t.dim; i++ {
		d := query[i] - p[i]
		sqDist += d * d
	}
	best.add(n.index, sqDist)

	diff := query[n.axis] - p[n.axis]
	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}
	t.search(near, query, best)
	if worst := best.worst(); worst < 0 || diff*diff < worst {
		t.search(far, query, best)
	}
}
