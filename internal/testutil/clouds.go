// Package testutil builds the synthetic point clouds shared by the
// recognition tests.
package testutil

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// Lattice is an n×n grid on the plane z=height.
func Lattice(frame string, n int, spacing, height float64) *pointcloud.PointCloud {
	pts := make([]pointcloud.Point, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pts = append(pts, pointcloud.Point{X: float64(i) * spacing, Y: float64(j) * spacing, Z: height})
		}
	}
	return pointcloud.NewPointCloud(frame, pts)
}

// BumpySurface is an asymmetric 2.5D surface about two metres above the
// origin. It has no symmetry, so a recognised copy has a unique pose.
func BumpySurface(frame string, n int, spacing float64) *pointcloud.PointCloud {
	pts := make([]pointcloud.Point, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			x, y := float64(i)*spacing, float64(j)*spacing
			z := 2 + 0.3*math.Sin(3*x)*math.Cos(2*y) + 0.2*x*x
			pts = append(pts, pointcloud.Point{X: x, Y: y, Z: z})
		}
	}
	return pointcloud.NewPointCloud(frame, pts)
}

// Sphere samples rings×segments points on a sphere.
func Sphere(frame string, rings, segments int, radius float64, centre r3.Vector) *pointcloud.PointCloud {
	pts := make([]pointcloud.Point, 0, rings*segments)
	for i := 0; i < rings; i++ {
		theta := math.Pi * (float64(i) + 0.5) / float64(rings)
		for j := 0; j < segments; j++ {
			phi := 2 * math.Pi * float64(j) / float64(segments)
			v := r3.Vector{
				X: math.Sin(theta) * math.Cos(phi),
				Y: math.Sin(theta) * math.Sin(phi),
				Z: math.Cos(theta),
			}
			pts = append(pts, pointcloud.PointFromVec(centre.Add(v.Mul(radius))))
		}
	}
	return pointcloud.NewPointCloud(frame, pts)
}

// RotateZ turns c about the z axis by angle and then shifts it.
func RotateZ(c *pointcloud.PointCloud, angle float64, shift r3.Vector) *pointcloud.PointCloud {
	s, co := math.Sin(angle), math.Cos(angle)
	out := make([]pointcloud.Point, len(c.Points))
	for i, p := range c.Points {
		out[i] = pointcloud.Point{
			X:         co*p.X - s*p.Y + shift.X,
			Y:         s*p.X + co*p.Y + shift.Y,
			Z:         p.Z + shift.Z,
			Intensity: p.Intensity,
		}
	}
	return pointcloud.NewPointCloud(c.FrameID+"-rotated", out)
}
