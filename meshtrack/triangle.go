package meshtrack

import "gonum.org/v1/gonum/mat"

// InvalidPyramidLevel marks a triangle as not yet matched against any
// texture-pyramid level (original_source's MeshTriangle::kInvalidPyramidLevel).
const InvalidPyramidLevel = ^uint32(0)

// MeshTriangle holds the tracking state for a single triangle of a
// registered mesh (spec.md §4.6): per-pyramid-level reference points in
// texture space, the pyramid level it last matched against, the
// currently tracked 3D/2D correspondence pair, and the timestamp of its
// last successful rectification.
type MeshTriangle struct {
	Index int

	// ReferencePoints[level] are the 2D texture-space points registered
	// for that pyramid level (original_source's
	// texturePyramidReferencePoints_).
	ReferencePoints [][2]float64

	// LastMatchedLevel is InvalidPyramidLevel until a rectification call
	// succeeds at some level.
	LastMatchedLevel uint32

	// ObjectPoints / ImagePoints are the triangle's currently tracked
	// correspondences, updated either by frame-to-frame tracking or by
	// rectification; always the same length.
	ObjectPoints []mat.VecDense
	ImagePoints  [][2]float64

	LastRectifiedAt float64 // seconds, 0 if never rectified
}

// NewMeshTriangle allocates a triangle with an empty reference-point slice
// whose capacity is numPyramidLevels.
func NewMeshTriangle(index int, numPyramidLevels int) *MeshTriangle {
	return &MeshTriangle{
		Index:            index,
		ReferencePoints:  make([][2]float64, 0, numPyramidLevels),
		LastMatchedLevel: InvalidPyramidLevel,
	}
}

// NumTrackedPoints reports how many correspondences this triangle
// currently carries.
func (t *MeshTriangle) NumTrackedPoints() int {
	return len(t.ObjectPoints)
}

// ClearTrackedPoints drops the triangle's correspondences.
// resetPyramidLevel additionally forgets LastMatchedLevel, forcing the
// next rectification to search from scratch rather than starting at the
// previously successful level.
func (t *MeshTriangle) ClearTrackedPoints(resetPyramidLevel bool) {
	t.ObjectPoints = nil
	t.ImagePoints = nil
	if resetPyramidLevel {
		t.LastMatchedLevel = InvalidPyramidLevel
	}
}

// SetTrackedPoints replaces the triangle's correspondences.
func (t *MeshTriangle) SetTrackedPoints(objectPoints []mat.VecDense, imagePoints [][2]float64) {
	t.ObjectPoints = objectPoints
	t.ImagePoints = imagePoints
}

// AddTrackedPoint appends a single correspondence.
func (t *MeshTriangle) AddTrackedPoint(objectPoint mat.VecDense, imagePoint [2]float64) {
	t.ObjectPoints = append(t.ObjectPoints, objectPoint)
	t.ImagePoints = append(t.ImagePoints, imagePoint)
}
