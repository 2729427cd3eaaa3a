package pointcloud

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang/geo/r3"
)

// Point is a single Cartesian sample in the sensor frame (metres).
// A point with any non-finite coordinate marks a missing return. Such points
// stay in place so that indices into the cloud remain stable.
type Point struct {
	X, Y, Z   float64
	Intensity uint8
}

// Vec returns the point coordinates as an r3 vector.
func (p Point) Vec() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// IsFinite reports whether all three coordinates are finite.
func (p Point) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z)
}

func (p Point) coords() []float64 {
	return []float64{p.X, p.Y, p.Z}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// PointFromVec builds a Point from an r3 vector.
func PointFromVec(v r3.Vector) Point {
	return Point{X: v.X, Y: v.Y, Z: v.Z}
}

// PointCloud is an ordered sequence of points. A cloud for a given role is
// always replaced wholesale; it is never updated incrementally.
type PointCloud struct {
	Points    []Point
	FrameID   string
	Timestamp time.Time
}

// NewPointCloud wraps points into a cloud stamped with the current time.
func NewPointCloud(frameID string, points []Point) *PointCloud {
	return &PointCloud{
		Points:    points,
		FrameID:   frameID,
		Timestamp: time.Now(),
	}
}

// Len returns the number of points, including non-finite ones.
func (c *PointCloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

// FiniteCount returns the number of points with finite coordinates.
func (c *PointCloud) FiniteCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, p := range c.Points {
		if p.IsFinite() {
			n++
		}
	}
	return n
}

// SelectPoints copies the points at indices into a new slice. Indices are
// trusted to be in range.
func SelectPoints(c *PointCloud, indices []int) []Point {
	out := make([]Point, len(indices))
	for i, idx := range indices {
		out[i] = c.Points[idx]
	}
	return out
}

// Role identifies which side of the recognition problem a cloud belongs to.
type Role uint8

const (
	// RoleUnknown is the zero value and never a valid role.
	RoleUnknown Role = iota
	// RoleScene is the live cloud searched for instances.
	RoleScene
	// RoleModel is the reference object to find.
	RoleModel
)

// String returns the lower-case role name.
func (r Role) String() string {
	switch r {
	case RoleScene:
		return "scene"
	case RoleModel:
		return "model"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Valid reports whether r is the scene or model role.
func (r Role) Valid() bool {
	return r == RoleScene || r == RoleModel
}

// ParseRole parses "scene" or "model" (case-insensitive). "world" and
// "object" are accepted as aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scene", "world":
		return RoleScene, nil
	case "model", "object":
		return RoleModel, nil
	}
	return RoleUnknown, fmt.Errorf("unknown cloud role %q", s)
}

// CloudEvent announces that a full replacement cloud arrived for a role.
// Transports produce CloudEvents; the pipeline consumes them without
// knowing how they were delivered.
type CloudEvent struct {
	Role  Role
	Cloud *PointCloud
}
