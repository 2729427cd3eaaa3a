package grouping

import (
	"math"

	"github.com/golang/geo/r3"
)

// PoseQuality grades a hypothesis by its fit residual relative to the
// clustering bin size.
type PoseQuality string

const (
	// PoseQualityExcellent indicates RMSE below a quarter of the bin size.
	PoseQualityExcellent PoseQuality = "excellent"
	// PoseQualityGood indicates RMSE below half the bin size.
	PoseQualityGood PoseQuality = "good"
	// PoseQualityFair indicates RMSE below the bin size.
	PoseQualityFair PoseQuality = "fair"
	// PoseQualityPoor indicates RMSE at or above the bin size.
	PoseQualityPoor PoseQuality = "poor"
	// PoseQualityUnknown indicates the grade could not be computed.
	PoseQualityUnknown PoseQuality = "unknown"
)

// RMSE thresholds as fractions of the bin size.
const (
	RMSERatioExcellent = 0.25
	RMSERatioGood      = 0.5
	RMSERatioFair      = 1.0
	// MatrixValidationTolerance bounds deviation from orthonormality.
	MatrixValidationTolerance = 0.01
)

// Rank orders grades from unknown (0) to excellent (4).
func (q PoseQuality) Rank() int {
	switch q {
	case PoseQualityExcellent:
		return 4
	case PoseQualityGood:
		return 3
	case PoseQualityFair:
		return 2
	case PoseQualityPoor:
		return 1
	}
	return 0
}

// ParsePoseQuality accepts the grade names; anything else is unknown.
func ParsePoseQuality(s string) PoseQuality {
	q := PoseQuality(s)
	if q.Rank() == 0 {
		return PoseQualityUnknown
	}
	return q
}

// GradePose maps a fit RMSE to a quality grade.
func GradePose(rmse, binSize float64) PoseQuality {
	if !(binSize > 0) || math.IsNaN(rmse) || rmse < 0 {
		return PoseQualityUnknown
	}
	ratio := rmse / binSize
	switch {
	case ratio < RMSERatioExcellent:
		return PoseQualityExcellent
	case ratio < RMSERatioGood:
		return PoseQualityGood
	case ratio < RMSERatioFair:
		return PoseQualityFair
	default:
		return PoseQualityPoor
	}
}

// Rotation is a row-major 3×3 rotation matrix.
type Rotation [3][3]float64

// IdentityRotation is the rotation that leaves points unchanged.
var IdentityRotation = Rotation{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

// Apply rotates v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// Det returns the determinant.
func (r Rotation) Det() float64 {
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

// IsOrthonormal reports whether RᵀR ≈ I and det(R) ≈ +1 within
// MatrixValidationTolerance.
func (r Rotation) IsOrthonormal() bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += r[k][i] * r[k][j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > MatrixValidationTolerance {
				return false
			}
		}
	}
	return math.Abs(r.Det()-1) <= MatrixValidationTolerance
}

// Transform builds the row-major homogeneous 4×4 matrix for R and t.
func Transform(r Rotation, t r3.Vector) [16]float64 {
	return [16]float64{
		r[0][0], r[0][1], r[0][2], t.X,
		r[1][0], r[1][1], r[1][2], t.Y,
		r[2][0], r[2][1], r[2][2], t.Z,
		0, 0, 0, 1,
	}
}

// IsValidTransformMatrix checks that a row-major 4×4 matrix is a proper
// rigid transform: orthonormal rotation block and a [0 0 0 1] last row.
func IsValidTransformMatrix(T [16]float64) bool {
	r := Rotation{
		{T[0], T[1], T[2]},
		{T[4], T[5], T[6]},
		{T[8], T[9], T[10]},
	}
	if !r.IsOrthonormal() {
		return false
	}
	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}
	return true
}

// Quaternion is a rotation as (X, Y, Z, W) with W the scalar part.
type Quaternion struct {
	X, Y, Z, W float64
}

// Norm returns the quaternion length.
func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
}

// RotationToQuaternion converts r with Shepperd's method, branching on the
// largest diagonal term for stability. The result is unit length with
// W ≥ 0.
func RotationToQuaternion(r Rotation) Quaternion {
	var q Quaternion
	trace := r[0][0] + r[1][1] + r[2][2]
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		q = Quaternion{
			W: s / 4,
			X: (r[2][1] - r[1][2]) / s,
			Y: (r[0][2] - r[2][0]) / s,
			Z: (r[1][0] - r[0][1]) / s,
		}
	case r[0][0] > r[1][1] && r[0][0] > r[2][2]:
		s := 2 * math.Sqrt(1+r[0][0]-r[1][1]-r[2][2])
		q = Quaternion{
			W: (r[2][1] - r[1][2]) / s,
			X: s / 4,
			Y: (r[0][1] + r[1][0]) / s,
			Z: (r[0][2] + r[2][0]) / s,
		}
	case r[1][1] > r[2][2]:
		s := 2 * math.Sqrt(1+r[1][1]-r[0][0]-r[2][2])
		q = Quaternion{
			W: (r[0][2] - r[2][0]) / s,
			X: (r[0][1] + r[1][0]) / s,
			Y: s / 4,
			Z: (r[1][2] + r[2][1]) / s,
		}
	default:
		s := 2 * math.Sqrt(1+r[2][2]-r[0][0]-r[1][1])
		q = Quaternion{
			W: (r[1][0] - r[0][1]) / s,
			X: (r[0][2] + r[2][0]) / s,
			Y: (r[1][2] + r[2][1]) / s,
			Z: s / 4,
		}
	}

	n := q.Norm()
	if n == 0 || math.IsNaN(n) {
		return Quaternion{W: 1}
	}
	q = Quaternion{X: q.X / n, Y: q.Y / n, Z: q.Z / n, W: q.W / n}
	if q.W < 0 {
		q = Quaternion{X: -q.X, Y: -q.Y, Z: -q.Z, W: -q.W}
	}
	return q
}

// QuaternionToRotation converts a quaternion (normalised first) to a
// rotation matrix.
func QuaternionToRotation(q Quaternion) Rotation {
	n := q.Norm()
	if n == 0 {
		return IdentityRotation
	}
	x, y, z, w := q.X/n, q.Y/n, q.Z/n, q.W/n
	return Rotation{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}
