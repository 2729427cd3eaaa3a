package pointcloud

// Surface pairs a cloud with a spatial index over its finite points. Normal
// and descriptor estimation both search the same surface, so the index is
// built once per cloud.
type Surface struct {
	Cloud *PointCloud
	index *Index
}

// NewSurface indexes c. A nil cloud yields an empty surface.
func NewSurface(c *PointCloud) *Surface {
	if c == nil {
		c = &PointCloud{}
	}
	return &Surface{Cloud: c, index: NewPointIndex(c)}
}

// Index returns the spatial index over the surface points.
func (s *Surface) Index() *Index {
	return s.index
}

// Len returns the number of points in the surface cloud.
func (s *Surface) Len() int {
	return s.Cloud.Len()
}

// Point returns the point at i.
func (s *Surface) Point(i int) Point {
	return s.Cloud.Points[i]
}

// Nearest returns the k nearest finite points to p.
func (s *Surface) Nearest(p Point, k int) []Neighbor {
	return s.index.Nearest(p.coords(), k)
}

// Within returns the finite points no further than radius from p.
func (s *Surface) Within(p Point, radius float64) []Neighbor {
	return s.index.Within(p.coords(), radius)
}
