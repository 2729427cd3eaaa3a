// Package pipeline orchestrates recognition: it owns the current scene and
// model, rescales parameters to the scene resolution, runs feature
// extraction, matching and grouping, and hands the resulting poses to the
// configured sinks.
//
// This package is the composition root of the recognition core. It imports
// pointcloud, features, matching and grouping; none of those import it.
// Transports and sinks live in adapter packages and talk to the pipeline
// through CloudEvent and PoseSink.
package pipeline
