package grouping

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// fitRigid returns the least-squares rotation and translation mapping src
// onto dst (Kabsch). A reflection in the SVD solution is corrected by
// flipping the axis of the smallest singular value.
func fitRigid(src, dst []r3.Vector) (Rotation, r3.Vector, bool) {
	if len(src) != len(dst) || len(src) < minFitSize {
		return Rotation{}, r3.Vector{}, false
	}
	cs := centroid(src)
	cd := centroid(dst)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return Rotation{}, r3.Vector{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	var rot Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = r.At(i, j)
		}
	}
	trans := cd.Sub(rot.Apply(cs))
	return rot, trans, true
}

func centroid(pts []r3.Vector) r3.Vector {
	var c r3.Vector
	for _, p := range pts {
		c = c.Add(p)
	}
	return c.Mul(1 / float64(len(pts)))
}
