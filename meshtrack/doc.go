// Package meshtrack implements the mesh tracker core (spec.md §4.6,
// component C6): MeshObjectTracker drives one MeshObject per registered
// textured mesh through per-frame optical-flow-style tracking, periodic
// rectified re-alignment of individual triangles in a round-robin
// schedule, and a feature-based recognition fallback with a configurable
// cadence.
//
// Grounded on original_source/impl/ocean/tracking/mesh/{MeshObject.h,
// MeshTriangle.h,MeshObjectTrackerCore.h} for the state shape and
// per-frame algorithm, and on the teacher's tracker_factory.go /
// tracked_object.go for the Go idiom: an explicit id factory, plain
// structs instead of inheritance, and a tracker struct that owns a map
// of live objects rather than a class hierarchy.
//
// Frame-to-frame optical flow, homography-based rectification, and
// Blob/P3P recognition are all, like in package sfm, non-goals of this
// core (SPEC_FULL.md §2/§9) — FrameTracker, TriangleRectifier,
// PoseRecoverer and Recognizer below are the caller-supplied
// collaborators that implement them.
package meshtrack
