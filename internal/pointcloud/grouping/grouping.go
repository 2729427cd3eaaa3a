// Package grouping turns descriptor correspondences into pose hypotheses.
//
// Correspondences that agree on pairwise distances in both the model and
// the scene are clustered greedily; each cluster large enough to be
// trusted is fitted with a least-squares rigid transform.
package grouping

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/recognizer/internal/pointcloud"
	"github.com/banshee-data/recognizer/internal/pointcloud/matching"
)

// DefaultInlierFactor scales the bin size into the residual bound used when
// refitting a cluster.
const DefaultInlierFactor = 2.0

// minFitSize is the smallest correspondence set that fixes a rigid pose.
const minFitSize = 3

// Precondition errors returned by Recognize.
var (
	ErrEmptyScene          = errors.New("scene keypoint set is empty")
	ErrEmptyModel          = errors.New("model keypoint set is empty")
	ErrInvalidBinSize      = errors.New("clustering bin size must be positive and finite")
	ErrCorrespondenceIndex = errors.New("correspondence index out of range")
)

// Hypothesis is one detected instance: the transform that maps model
// keypoints onto the scene and the correspondences that support it.
type Hypothesis struct {
	Rotation        Rotation
	Translation     r3.Vector
	Correspondences []matching.Correspondence
	RMSE            float64
	Quality         PoseQuality
}

// Transform returns the hypothesis as a row-major homogeneous matrix.
func (h Hypothesis) Transform() [16]float64 {
	return Transform(h.Rotation, h.Translation)
}

// GeometricConsistency clusters correspondences whose model and scene
// pairwise distances agree within BinSize.
type GeometricConsistency struct {
	// BinSize is the tolerance on the difference between a model pair
	// distance and the matching scene pair distance.
	BinSize float64
	// Threshold is the minimum cluster size kept as a hypothesis.
	Threshold float64
	// InlierFactor × BinSize bounds the residual of a correspondence after
	// the first fit. Zero selects DefaultInlierFactor.
	InlierFactor float64
}

func (g GeometricConsistency) validate() error {
	if !(g.BinSize > 0) || math.IsInf(g.BinSize, 0) {
		return fmt.Errorf("bin size %v: %w", g.BinSize, ErrInvalidBinSize)
	}
	return nil
}

// Cluster groups corrs into mutually consistent sets. Correspondences are
// visited in order of increasing descriptor distance (stable on ties); each
// unused one seeds a cluster that absorbs every other unused
// correspondence consistent with all current members. Clusters with at
// least Threshold members are returned in discovery order and their
// members become unavailable to later seeds.
//
// Indices are not validated; use Recognize for checked input.
func (g GeometricConsistency) Cluster(model, scene []pointcloud.Point, corrs []matching.Correspondence) [][]matching.Correspondence {
	if len(corrs) == 0 {
		return nil
	}
	sorted := make([]matching.Correspondence, len(corrs))
	copy(sorted, corrs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SquaredDistance < sorted[j].SquaredDistance
	})

	taken := make([]bool, len(sorted))
	var clusters [][]matching.Correspondence
	for seed := range sorted {
		if taken[seed] {
			continue
		}
		members := []int{seed}
		for cand := range sorted {
			if cand == seed || taken[cand] {
				continue
			}
			if g.consistentWithAll(model, scene, sorted, members, cand) {
				members = append(members, cand)
			}
		}
		if float64(len(members)) < g.Threshold {
			continue
		}
		cluster := make([]matching.Correspondence, len(members))
		for i, m := range members {
			taken[m] = true
			cluster[i] = sorted[m]
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

func (g GeometricConsistency) consistentWithAll(model, scene []pointcloud.Point, corrs []matching.Correspondence, members []int, cand int) bool {
	c := corrs[cand]
	cm := model[c.ModelIndex].Vec()
	cs := scene[c.SceneIndex].Vec()
	for _, m := range members {
		o := corrs[m]
		dm := cm.Distance(model[o.ModelIndex].Vec())
		ds := cs.Distance(scene[o.SceneIndex].Vec())
		if math.Abs(dm-ds) > g.BinSize {
			return false
		}
	}
	return true
}

// Recognize clusters corrs and fits one rigid transform per surviving
// cluster. model and scene are the keypoint sets the correspondence
// indices refer to. No correspondences is not an error and yields no
// hypotheses.
func (g GeometricConsistency) Recognize(model, scene []pointcloud.Point, corrs []matching.Correspondence) ([]Hypothesis, error) {
	if len(scene) == 0 {
		return nil, ErrEmptyScene
	}
	if len(model) == 0 {
		return nil, ErrEmptyModel
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	for i, c := range corrs {
		if c.ModelIndex < 0 || c.ModelIndex >= len(model) || c.SceneIndex < 0 || c.SceneIndex >= len(scene) {
			return nil, fmt.Errorf("correspondence %d (model %d of %d, scene %d of %d): %w",
				i, c.ModelIndex, len(model), c.SceneIndex, len(scene), ErrCorrespondenceIndex)
		}
	}
	if len(corrs) == 0 {
		return nil, nil
	}

	clusters := g.Cluster(model, scene, corrs)
	diagf("%d correspondences formed %d clusters (bin=%.4f, threshold=%.1f)",
		len(corrs), len(clusters), g.BinSize, g.Threshold)

	var out []Hypothesis
	for ci, cluster := range clusters {
		h, ok := g.fitCluster(model, scene, cluster)
		if !ok {
			diagf("cluster %d (%d correspondences) rejected", ci, len(cluster))
			continue
		}
		tracef("cluster %d: support=%d rmse=%.5f t=(%.4f, %.4f, %.4f)",
			ci, len(h.Correspondences), h.RMSE, h.Translation.X, h.Translation.Y, h.Translation.Z)
		out = append(out, h)
	}
	return out, nil
}

func (g GeometricConsistency) fitCluster(model, scene []pointcloud.Point, cluster []matching.Correspondence) (Hypothesis, bool) {
	if len(cluster) < minFitSize {
		return Hypothesis{}, false
	}
	src, dst := pairVectors(model, scene, cluster)
	if collinear(src) || collinear(dst) {
		return Hypothesis{}, false
	}
	rot, trans, ok := fitRigid(src, dst)
	if !ok {
		return Hypothesis{}, false
	}

	factor := g.InlierFactor
	if factor <= 0 {
		factor = DefaultInlierFactor
	}
	bound := factor * g.BinSize
	inliers := make([]matching.Correspondence, 0, len(cluster))
	for i, c := range cluster {
		if rot.Apply(src[i]).Add(trans).Distance(dst[i]) <= bound {
			inliers = append(inliers, c)
		}
	}
	if float64(len(inliers)) < g.Threshold || len(inliers) < minFitSize {
		return Hypothesis{}, false
	}
	if len(inliers) < len(cluster) {
		src, dst = pairVectors(model, scene, inliers)
		if collinear(src) || collinear(dst) {
			return Hypothesis{}, false
		}
		if rot, trans, ok = fitRigid(src, dst); !ok {
			return Hypothesis{}, false
		}
	}
	if !rot.IsOrthonormal() {
		opsf("rejecting non-orthonormal rotation (det=%.6f)", rot.Det())
		return Hypothesis{}, false
	}

	var sum float64
	for i := range src {
		d := rot.Apply(src[i]).Add(trans).Sub(dst[i])
		sum += d.Norm2()
	}
	rmse := math.Sqrt(sum / float64(len(src)))
	return Hypothesis{
		Rotation:        rot,
		Translation:     trans,
		Correspondences: inliers,
		RMSE:            rmse,
		Quality:         GradePose(rmse, g.BinSize),
	}, true
}

func pairVectors(model, scene []pointcloud.Point, corrs []matching.Correspondence) (src, dst []r3.Vector) {
	src = make([]r3.Vector, len(corrs))
	dst = make([]r3.Vector, len(corrs))
	for i, c := range corrs {
		src[i] = model[c.ModelIndex].Vec()
		dst[i] = scene[c.SceneIndex].Vec()
	}
	return src, dst
}

// collinear reports whether every point lies on one line (or coincides),
// relative to the spread of the set.
func collinear(pts []r3.Vector) bool {
	if len(pts) < minFitSize {
		return true
	}
	origin := pts[0]
	far, farDist := origin, 0.0
	for _, p := range pts[1:] {
		if d := p.Sub(origin).Norm2(); d > farDist {
			far, farDist = p, d
		}
	}
	if farDist == 0 {
		return true
	}
	axis := far.Sub(origin)
	length := axis.Norm()
	for _, p := range pts {
		// Distance of p from the line through origin and far.
		if p.Sub(origin).Cross(axis).Norm()/length > 1e-6*length {
			return false
		}
	}
	return true
}
