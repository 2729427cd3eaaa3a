// Package pointcloud owns the point cloud data model shared by every stage
// of the recognition pipeline.
//
// Responsibilities: the Point/PointCloud types, the role of a cloud (scene
// or model), nearest-neighbour indexing, cloud resolution estimation and
// uniform keypoint sampling.
//
// Dependency rule: pointcloud depends on no other internal package.
// Feature extraction, matching and grouping live in sub-packages that build
// on these types.
package pointcloud
