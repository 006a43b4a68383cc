package sfmdb

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// Database is the observation store every solver component reads and
// writes through (spec.md §6 "Database contract"). Implementations are
// free to back it with SQL, an in-memory slice, or anything else; sfmgo
// only depends on this interface.
type Database interface {
	// Observations returns every observation recorded at poseID.
	Observations(poseID uint32) []Observation

	// ObservationsOfPointInRange returns the observations of pointID whose
	// PoseID lies in the half-open range [loPose, upPose).
	ObservationsOfPointInRange(pointID uint32, loPose, upPose uint32) []Observation

	// ObjectPoint looks up a point by id; ok is false if the id is unknown.
	ObjectPoint(id uint32) (ObjectPoint, bool)

	// ObjectPointIDsInRange returns the ids of every valid object point with
	// at least one observation in [loPose, upPose).
	ObjectPointIDsInRange(loPose, upPose uint32) []uint32

	// SetObjectPointPosition records a (re)triangulated position.
	SetObjectPointPosition(id uint32, pos *mat.VecDense)

	// InvalidateObjectPoint marks a point unusable (spec.md §4.5.6
	// sanitation).
	InvalidateObjectPoint(id uint32)

	// Pose looks up a pose by id; ok is false if the id is unknown.
	Pose(id uint32) (CameraPose, bool)

	// PosesInRange returns every valid pose with id in [lo, up).
	PosesInRange(lo, up uint32) []CameraPose

	// SetPose records a (re)estimated pose.
	SetPose(id uint32, worldTCamera *mat.Dense)

	// InvalidatePose marks a pose unusable.
	InvalidatePose(id uint32)
}

// Camera is the projection model every pose/point provider is built
// against (spec.md §6 "Camera contract"). sfmgo treats it as an opaque
// collaborator: pixel<->ray conversion, distortion, and intrinsics storage
// are the caller's concern.
type Camera interface {
	// Project maps an object point into pixel coordinates under the given
	// world-to-camera pose. ok is false if the point projects behind the
	// camera or outside the valid distortion domain.
	Project(worldTCamera *mat.Dense, objectPoint *mat.VecDense) (pixel [2]float64, ok bool)

	// Ray returns the camera-space direction corresponding to a pixel,
	// used to seed triangulation and P3P-style bootstrap (kept as a
	// contract only; sfmgo does not implement P3P itself, see SPEC_FULL.md
	// §2 non-goals).
	Ray(pixel [2]float64) (direction *mat.VecDense, ok bool)

	Intrinsics() CameraIntrinsics
	SetIntrinsics(CameraIntrinsics)
}

// Feature is a single detected keypoint plus its descriptor, passed to
// meshtrack's recognition collaborator; keyframe selection (obsindex) does
// not use it.
type Feature struct {
	Position   [2]float64
	Descriptor []byte
}

// FeatureDetector is the blob/descriptor extraction and matching
// collaborator (spec.md §6 "FeatureDetector contract"); sfmgo never
// implements blob detection itself (SPEC_FULL.md §2 non-goals).
type FeatureDetector interface {
	Detect(poseID uint32, maxFeatures int) []Feature
	Match(a, b []Feature) []int // matches[i] = index into b matching a[i], or -1
}

// WorkerPool is the thread-pool contract (spec.md §6 "WorkerPool
// contract", spec.md §9 redesign flag replacing a process-global
// singleton with an explicit handle). fn receives a half-open sub-range
// [subStart, subEnd) and the zero-based worker index that was assigned
// it, so callers can fold per-worker accumulator state (e.g. a forked
// *rand.Rand) without synchronization.
type WorkerPool interface {
	ExecuteRange(ctx context.Context, start, end int, fn func(subStart, subEnd, worker int))
}
