package pointcloud

import "math"

// EstimateResolution returns the mean distance from each finite point to
// its nearest other point. The first neighbour returned for a point is the
// point itself, so the second neighbour is used. Points without a second
// neighbour are left out of the average. The result is 0 when no point has
// one; callers must treat 0 as "unknown" and never scale by it.
//
// The estimator builds its own index and never reuses caller state.
func EstimateResolution(c *PointCloud) float64 {
	if c.Len() == 0 {
		return 0
	}
	ix := NewPointIndex(c)

	var sum float64
	n := 0
	for _, p := range c.Points {
		if !p.IsFinite() {
			continue
		}
		nb := ix.Nearest(p.coords(), 2)
		if len(nb) == 2 {
			sum += math.Sqrt(nb[1].SquaredDistance)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
