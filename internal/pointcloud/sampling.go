package pointcloud

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidRadius is returned when a sampling or search radius is not a
// positive finite number.
var ErrInvalidRadius = errors.New("radius must be positive and finite")

// ValidateRadius returns ErrInvalidRadius (wrapped with name) when r is not
// usable as a search radius.
func ValidateRadius(name string, r float64) error {
	if !(r > 0) || math.IsInf(r, 0) {
		return fmt.Errorf("%s %v: %w", name, r, ErrInvalidRadius)
	}
	return nil
}

// UniformSample thins c so that no two selected points are closer than
// radius and every finite point lies within radius of a selected one.
//
// Points are taken in farthest-first order: the first finite point, then
// repeatedly the point farthest from everything taken so far, ties going
// to the lower index. The order does not depend on radius; sampling stops
// once the farthest remaining point is closer than radius. A larger radius
// therefore returns a subset of the keypoints of a smaller one, and the
// count never grows with radius.
//
// The returned indices refer to c and are in increasing order. The cloud
// is not modified.
func UniformSample(c *PointCloud, radius float64) ([]int, error) {
	if err := ValidateRadius("sampling radius", radius); err != nil {
		return nil, err
	}
	if c.Len() == 0 {
		return []int{}, nil
	}

	q := newFarthestQueue(c)
	if q.Len() == 0 {
		return []int{}, nil
	}
	ix := NewPointIndex(c)
	kept := make([]int, 0, 64)

	for q.Len() > 0 {
		i := q.items[0]
		d := q.dist[i]
		if d < radius {
			break
		}
		heap.Pop(q)
		kept = append(kept, i)

		v := c.Points[i].Vec()
		if math.IsInf(d, 1) {
			// First pick: every remaining point measures against it.
			for _, j := range q.items {
				q.dist[j] = c.Points[j].Vec().Distance(v)
			}
			heap.Init(q)
			continue
		}
		// Only points within d of the new pick can get closer to the
		// taken set; everything else is already within d of it.
		for _, nb := range ix.Within(c.Points[i].coords(), d) {
			j := nb.Index
			if q.pos[j] < 0 {
				continue
			}
			if nd := math.Sqrt(nb.SquaredDistance); nd < q.dist[j] {
				q.dist[j] = nd
				heap.Fix(q, q.pos[j])
			}
		}
	}
	sort.Ints(kept)
	return kept, nil
}

// farthestQueue is a max-heap of untaken finite points keyed by their
// distance to the taken set.
type farthestQueue struct {
	items []int
	dist  []float64
	// pos is the heap slot of each cloud index, -1 when taken or
	// non-finite.
	pos []int
}

func newFarthestQueue(c *PointCloud) *farthestQueue {
	q := &farthestQueue{
		items: make([]int, 0, len(c.Points)),
		dist:  make([]float64, len(c.Points)),
		pos:   make([]int, len(c.Points)),
	}
	for i, p := range c.Points {
		q.pos[i] = -1
		if !p.IsFinite() {
			continue
		}
		q.dist[i] = math.Inf(1)
		q.pos[i] = len(q.items)
		q.items = append(q.items, i)
	}
	heap.Init(q)
	return q
}

func (q *farthestQueue) Len() int { return len(q.items) }

func (q *farthestQueue) Less(a, b int) bool {
	i, j := q.items[a], q.items[b]
	if q.dist[i] != q.dist[j] {
		return q.dist[i] > q.dist[j]
	}
	return i < j
}

func (q *farthestQueue) Swap(a, b int) {
	q.items[a], q.items[b] = q.items[b], q.items[a]
	q.pos[q.items[a]] = a
	q.pos[q.items[b]] = b
}

func (q *farthestQueue) Push(x any) {
	i := x.(int)
	q.pos[i] = len(q.items)
	q.items = append(q.items, i)
}

func (q *farthestQueue) Pop() any {
	n := len(q.items) - 1
	i := q.items[n]
	q.items = q.items[:n]
	q.pos[i] = -1
	return i
}
