package pointcloud

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gridCloud returns an n×n lattice with unit spacing on the z=0 plane,
// in row-major order.
func gridCloud(n int) *PointCloud {
	points := make([]Point, 0, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			points = append(points, Point{X: float64(x), Y: float64(y)})
		}
	}
	return NewPointCloud("grid", points)
}

func TestPoint_IsFinite(t *testing.T) {
	assert.True(t, Point{X: 1, Y: 2, Z: 3}.IsFinite())
	assert.False(t, Point{X: math.NaN()}.IsFinite())
	assert.False(t, Point{Y: math.Inf(1)}.IsFinite())
	assert.False(t, Point{Z: math.Inf(-1)}.IsFinite())
}

func TestPointCloud_NilSafe(t *testing.T) {
	var c *PointCloud
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.FiniteCount())
}

func TestPointCloud_FiniteCount(t *testing.T) {
	c := NewPointCloud("f", []Point{{X: 1}, {X: math.NaN()}, {Z: 2}})
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 2, c.FiniteCount())
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"scene":   RoleScene,
		"World":   RoleScene,
		"model":   RoleModel,
		" OBJECT": RoleModel,
	}
	for in, want := range cases {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseRole("lidar")
	assert.Error(t, err)
	assert.False(t, RoleUnknown.Valid())
	assert.Equal(t, "scene", RoleScene.String())
	assert.Equal(t, "model", RoleModel.String())
}

func TestIndex_NearestSkipsNonFinite(t *testing.T) {
	c := NewPointCloud("nn", []Point{
		{X: 0},
		{X: math.NaN()},
		{X: 1},
		{X: 3},
	})
	ix := NewPointIndex(c)
	require.Equal(t, 3, ix.Len())

	nb := ix.Nearest([]float64{0.9, 0, 0}, 2)
	require.Len(t, nb, 2)
	assert.Equal(t, 2, nb[0].Index)
	assert.Equal(t, 0, nb[1].Index)
	assert.InDelta(t, 0.01, nb[0].SquaredDistance, 1e-12)
	assert.InDelta(t, 0.81, nb[1].SquaredDistance, 1e-12)
}

func TestIndex_NearestMoreThanAvailable(t *testing.T) {
	c := NewPointCloud("small", []Point{{X: 0}, {X: 1}})
	nb := NewPointIndex(c).Nearest([]float64{0, 0, 0}, 5)
	assert.Len(t, nb, 2)
}

func TestIndex_Within(t *testing.T) {
	ix := NewPointIndex(gridCloud(5))
	nb := ix.Within([]float64{2, 2, 0}, 1.0)
	// Centre plus its four edge neighbours; diagonals are sqrt(2) away.
	require.Len(t, nb, 5)
	assert.Equal(t, 12, nb[0].Index)
	assert.Zero(t, nb[0].SquaredDistance)
	for _, n := range nb[1:] {
		assert.InDelta(t, 1.0, n.SquaredDistance, 1e-12)
	}
}

func TestIndex_Empty(t *testing.T) {
	ix := NewPointIndex(nil)
	assert.Zero(t, ix.Len())
	assert.Nil(t, ix.Nearest([]float64{0, 0, 0}, 1))
	assert.Nil(t, ix.Within([]float64{0, 0, 0}, 1))
}

func TestVectorIndex_SkipsInvalidVectors(t *testing.T) {
	vectors := [][]float64{
		{0, 0, 0, 0},
		{math.NaN(), 0, 0, 0},
		{1, 1, 1, 1},
		{1, 1},
	}
	ix := NewVectorIndex(vectors)
	assert.Equal(t, 2, ix.Len())
	assert.Equal(t, 4, ix.Dims())

	nb := ix.Nearest([]float64{0.9, 0.9, 0.9, 0.9}, 1)
	require.Len(t, nb, 1)
	assert.Equal(t, 2, nb[0].Index)

	// Queries of the wrong dimensionality return nothing.
	assert.Nil(t, ix.Nearest([]float64{1, 1, 1}, 1))
}

func TestEstimateResolution_Lattice(t *testing.T) {
	res := EstimateResolution(gridCloud(10))
	assert.InDelta(t, 1.0, res, 1e-9)
}

func TestEstimateResolution_SkipsNonFinite(t *testing.T) {
	c := NewPointCloud("nan", []Point{
		{X: 0}, {X: math.NaN(), Y: 1}, {X: 2}, {X: math.Inf(1)},
	})
	assert.InDelta(t, 2.0, EstimateResolution(c), 1e-9)
}

func TestEstimateResolution_ZeroWithoutSecondNeighbour(t *testing.T) {
	assert.Zero(t, EstimateResolution(nil))
	assert.Zero(t, EstimateResolution(NewPointCloud("one", []Point{{X: 1}})))
	assert.Zero(t, EstimateResolution(NewPointCloud("one-finite", []Point{
		{X: 1}, {X: math.NaN()}, {Y: math.Inf(-1)},
	})))
}

func TestEstimateResolution_NonNegative(t *testing.T) {
	clouds := []*PointCloud{
		gridCloud(2),
		NewPointCloud("pair", []Point{{X: -5}, {X: 5}}),
		NewPointCloud("line", []Point{{Z: 0}, {Z: 0.5}, {Z: 2}}),
	}
	for _, c := range clouds {
		res := EstimateResolution(c)
		assert.Greater(t, res, 0.0, c.FrameID)
	}
}

func TestUniformSample_RejectsInvalidRadius(t *testing.T) {
	for _, r := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := UniformSample(gridCloud(3), r)
		assert.ErrorIs(t, err, ErrInvalidRadius, "radius %v", r)
	}
}

func TestUniformSample_KnownCounts(t *testing.T) {
	c := gridCloud(20)
	cases := []struct {
		radius float64
		want   int
	}{
		{0.5, 400},
		{1, 400},
		{100, 1},
	}
	for _, tc := range cases {
		idx, err := UniformSample(c, tc.radius)
		require.NoError(t, err)
		assert.Len(t, idx, tc.want, "radius %v", tc.radius)
	}
}

// requireSpacingAndCover checks that the keypoints are at least radius
// apart and that every finite point is closer than radius to one of them.
func requireSpacingAndCover(t *testing.T, c *PointCloud, idx []int, radius float64) {
	t.Helper()
	for i := 0; i < len(idx); i++ {
		for j := i + 1; j < len(idx); j++ {
			d := c.Points[idx[i]].Vec().Distance(c.Points[idx[j]].Vec())
			require.GreaterOrEqual(t, d, radius, "keypoints %d and %d", idx[i], idx[j])
		}
	}
	for k, p := range c.Points {
		if !p.IsFinite() {
			continue
		}
		covered := false
		for _, i := range idx {
			if c.Points[i].Vec().Distance(p.Vec()) < radius {
				covered = true
				break
			}
		}
		require.True(t, covered, "point %d is not within %v of a keypoint", k, radius)
	}
}

func TestUniformSample_NestedAcrossRadii(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 300; trial++ {
		pts := make([]Point, 8)
		for i := range pts {
			pts[i] = Point{X: rng.Float64() * 5, Y: rng.Float64() * 5}
		}
		c := NewPointCloud("random", pts)

		var prev []int
		for r := 0.05; r <= 8; r += 0.05 {
			idx, err := UniformSample(c, r)
			require.NoError(t, err)
			requireSpacingAndCover(t, c, idx, r)
			if prev != nil {
				require.LessOrEqual(t, len(idx), len(prev), "trial %d radius %.2f", trial, r)
				require.Subset(t, prev, idx, "trial %d radius %.2f", trial, r)
			}
			prev = idx
		}
		require.Len(t, prev, 1)
	}
}

func TestUniformSample_NonIncreasingOnLattice(t *testing.T) {
	c := gridCloud(20)
	prev := math.MaxInt
	for _, r := range []float64{0.5, 1.1, 1.5, 2.1, 2.2, 2.25, 2.5, 3.5, 4.5, 7, 12, 100} {
		idx, err := UniformSample(c, r)
		require.NoError(t, err)
		requireSpacingAndCover(t, c, idx, r)
		assert.LessOrEqual(t, len(idx), prev, "radius %v", r)
		prev = len(idx)
	}
}

func TestUniformSample_MinimumSpacingAndDeterminism(t *testing.T) {
	c := gridCloud(15)
	c.Points[3] = Point{X: math.NaN()}
	const radius = 2.2

	first, err := UniformSample(c, radius)
	require.NoError(t, err)
	second, err := UniformSample(c, radius)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, sort.IntsAreSorted(first))
	assert.NotContains(t, first, 3, "non-finite point selected")
	requireSpacingAndCover(t, c, first, radius)
	assert.Equal(t, 15*15, c.Len(), "source cloud must not change")
}

func TestUniformSample_DuplicatesAndNonFinite(t *testing.T) {
	c := NewPointCloud("dups", []Point{
		{X: math.NaN()},
		{X: 1, Y: 1},
		{X: 1, Y: 1},
		{X: 3, Y: 1},
	})
	idx, err := UniformSample(c, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, idx)

	idx, err = UniformSample(NewPointCloud("nan", []Point{{X: math.NaN()}}), 1)
	require.NoError(t, err)
	assert.Empty(t, idx)
}

func TestUniformSample_EmptyCloud(t *testing.T) {
	idx, err := UniformSample(NewPointCloud("empty", nil), 1)
	require.NoError(t, err)
	assert.Empty(t, idx)
}

func TestSelectPoints(t *testing.T) {
	c := gridCloud(3)
	pts := SelectPoints(c, []int{0, 4, 8})
	assert.Equal(t, []Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}}, pts)
}
