package pointcloud

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a single nearest-neighbour result. Index refers to the
// position of the neighbour in the slice the Index was built from.
type Neighbor struct {
	Index           int
	SquaredDistance float64
}

// Index is a k-d tree over fixed-dimension vectors. It is used both for 3D
// point neighbourhoods and for high-dimensional descriptor matching.
// An Index is immutable after construction and safe for concurrent queries.
type Index struct {
	tree *kdtree.Tree
	size int
	dims int
}

// NewPointIndex indexes the finite points of c. Non-finite points are left
// out of the tree but keep their original indices in query results.
func NewPointIndex(c *PointCloud) *Index {
	if c == nil {
		return &Index{dims: 3}
	}
	items := make(indexedVectors, 0, len(c.Points))
	for i, p := range c.Points {
		if !p.IsFinite() {
			continue
		}
		items = append(items, indexedVector{coords: p.coords(), index: i})
	}
	return newIndex(items, 3)
}

// NewVectorIndex indexes every vector whose components are all finite.
// Vectors must share the same length; shorter or longer vectors are
// skipped.
func NewVectorIndex(vectors [][]float64) *Index {
	dims := 0
	for _, v := range vectors {
		if len(v) > 0 {
			dims = len(v)
			break
		}
	}
	items := make(indexedVectors, 0, len(vectors))
	for i, v := range vectors {
		if len(v) != dims || !allFinite(v) {
			continue
		}
		items = append(items, indexedVector{coords: v, index: i})
	}
	return newIndex(items, dims)
}

func newIndex(items indexedVectors, dims int) *Index {
	ix := &Index{size: len(items), dims: dims}
	if len(items) > 0 {
		ix.tree = kdtree.New(items, false)
	}
	return ix
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	return ix.size
}

// Dims returns the dimensionality of the indexed vectors.
func (ix *Index) Dims() int {
	return ix.dims
}

// Nearest returns up to k neighbours of q ordered by increasing distance.
// Ties are broken by index so results are deterministic.
func (ix *Index) Nearest(q []float64, k int) []Neighbor {
	if ix.tree == nil || k <= 0 || len(q) != ix.dims {
		return nil
	}
	keep := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keep, indexedVector{coords: q, index: -1})
	return collect(keep.Heap)
}

// Within returns every neighbour of q closer than or equal to radius,
// ordered by increasing distance.
func (ix *Index) Within(q []float64, radius float64) []Neighbor {
	if ix.tree == nil || radius <= 0 || len(q) != ix.dims {
		return nil
	}
	keep := kdtree.NewDistKeeper(radius * radius)
	ix.tree.NearestSet(keep, indexedVector{coords: q, index: -1})
	return collect(keep.Heap)
}

// collect drops keeper sentinels and sorts the remaining results.
func collect(heap kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(heap))
	for _, c := range heap {
		if c.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{
			Index:           c.Comparable.(indexedVector).index,
			SquaredDistance: c.Dist,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SquaredDistance != out[j].SquaredDistance {
			return out[i].SquaredDistance < out[j].SquaredDistance
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if !isFinite(x) {
			return false
		}
	}
	return true
}

// indexedVector is a kdtree.Comparable that remembers where it came from.
type indexedVector struct {
	coords []float64
	index  int
}

// Compare returns the signed distance of p from the plane through c
// perpendicular to dimension d.
func (p indexedVector) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedVector)
	return p.coords[d] - q.coords[d]
}

// Dims returns the vector length.
func (p indexedVector) Dims() int {
	return len(p.coords)
}

// Distance returns the squared Euclidean distance between p and c.
func (p indexedVector) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedVector)
	var sum float64
	for i, v := range p.coords {
		d := v - q.coords[i]
		sum += d * d
	}
	return sum
}

// indexedVectors implements kdtree.Interface.
type indexedVectors []indexedVector

func (p indexedVectors) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedVectors) Len() int                      { return len(p) }
func (p indexedVectors) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// Pivot partitions around the median along d. MedianOfMedians keeps tree
// construction deterministic for a given input.
func (p indexedVectors) Pivot(d kdtree.Dim) int {
	pl := vectorPlane{Dim: d, vectors: p}
	return kdtree.Partition(pl, kdtree.MedianOfMedians(pl))
}

// vectorPlane sorts indexedVectors along a single dimension.
type vectorPlane struct {
	kdtree.Dim
	vectors indexedVectors
}

func (p vectorPlane) Len() int { return len(p.vectors) }
func (p vectorPlane) Less(i, j int) bool {
	return p.vectors[i].coords[p.Dim] < p.vectors[j].coords[p.Dim]
}
func (p vectorPlane) Swap(i, j int) { p.vectors[i], p.vectors[j] = p.vectors[j], p.vectors[i] }
func (p vectorPlane) Slice(start, end int) kdtree.SortSlicer {
	p.vectors = p.vectors[start:end]
	return p
}
