package sfm

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/sfmdb"
)

// yRotation builds a rotation matrix about the world y-axis.
func yRotation(angleRad float64) *mat.Dense {
	c, s := math.Cos(angleRad), math.Sin(angleRad)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

// TestDetermineCameraMotionClassifiesPureRotation builds a sequence of
// poses that all share the same camera center (world origin) but rotate
// increasingly about the y-axis (spec.md §8 S3's first half): the
// translation-observation angle should stay near zero (no parallax from a
// fixed center) while the rotation angle grows.
func TestDetermineCameraMotionClassifiesPureRotation(t *testing.T) {
	db := newFakeDB()
	points := [][3]float64{{0.5, 0.1, 3}, {-0.4, 0.3, 4}, {0.2, -0.2, 5}, {-0.3, -0.1, 3.5}}
	for i, p := range points {
		db.SetObjectPointPosition(uint32(i+1), mat.NewVecDense(3, p[:]))
	}

	for frame := 0; frame < 10; frame++ {
		angle := float64(frame) * 2 * math.Pi / 180 // up to 18 degrees total
		R := yRotation(angle)
		db.poses[uint32(frame)] = rotatedPoseAt(uint32(frame), R, [3]float64{})
		for i := range points {
			db.obs[uint32(frame)] = append(db.obs[uint32(frame)], sfmdb.Observation{PoseID: uint32(frame), ObjectPointID: uint32(i + 1)})
		}
	}

	s := &Solver3{DB: db, Options: DefaultSolverOptions()}
	class := s.DetermineCameraMotion(0, 10, []uint32{1, 2, 3, 4})
	if !class.IsRotational() {
		t.Errorf("expected rotational classification, got %s", class)
	}
	if class.IsTranslational() {
		t.Errorf("expected no translational component for a fixed camera center, got %s", class)
	}
}

// TestDetermineCameraMotionClassifiesPureTranslation builds a sequence of
// identity-oriented poses that translate along x (spec.md §8 S3's second
// half): the translation-observation angle should be significant while
// the rotation angle stays at zero.
func TestDetermineCameraMotionClassifiesPureTranslation(t *testing.T) {
	db := newFakeDB()
	points := [][3]float64{{0, 0.2, 2}, {0.3, -0.1, 2.5}, {-0.2, 0.1, 3}, {0.1, 0.3, 2.2}}
	for i, p := range points {
		db.SetObjectPointPosition(uint32(i+1), mat.NewVecDense(3, p[:]))
	}

	for frame := 0; frame < 10; frame++ {
		tx := float64(frame) * 0.1 // up to 0.9m baseline
		db.poses[uint32(frame)] = identityPoseAt(uint32(frame), tx, 0, 0)
		for i := range points {
			db.obs[uint32(frame)] = append(db.obs[uint32(frame)], sfmdb.Observation{PoseID: uint32(frame), ObjectPointID: uint32(i + 1)})
		}
	}

	s := &Solver3{DB: db, Options: DefaultSolverOptions()}
	class := s.DetermineCameraMotion(0, 10, []uint32{1, 2, 3, 4})
	if !class.IsTranslational() {
		t.Errorf("expected translational classification, got %s", class)
	}
	if class.IsRotational() {
		t.Errorf("expected no rotational component for identity-oriented poses, got %s", class)
	}
}
