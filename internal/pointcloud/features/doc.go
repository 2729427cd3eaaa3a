// Package features computes the local shape signature of a point cloud:
// per-point surface normals, a local reference frame per keypoint and a
// rotation-invariant histogram descriptor.
//
// Estimators are interfaces so the descriptor can be swapped without
// touching matching or grouping. Every output slice is index-aligned with
// the keypoints it was computed for; entries that cannot be computed are
// filled with NaN rather than removed.
package features
