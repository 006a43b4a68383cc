package sfm

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/internal/workerpool"
	"github.com/nmichlo/sfmgo/robustweight"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// buildSyntheticScene seeds a fakeDB with two poses and a handful of 3D
// points, perturbs every point by a small offset from ground truth, and
// records noiseless reprojected observations at the true positions so
// bundle adjustment has somewhere to converge to.
func buildSyntheticScene(cam *fakeCamera, poseA, poseB sfmdb.CameraPose, truePoints [][3]float64, perturb [3]float64) *fakeDB {
	db := newFakeDB()
	db.poses[poseA.ID] = poseA
	db.poses[poseB.ID] = poseB

	for i, tp := range truePoints {
		pointID := uint32(i + 1)
		perturbed := mat.NewVecDense(3, []float64{tp[0] + perturb[0], tp[1] + perturb[1], tp[2] + perturb[2]})
		db.points[pointID] = sfmdb.ObjectPoint{ID: pointID, Position: perturbed, Valid: true}

		truePos := mat.NewVecDense(3, tp[:])
		for _, pose := range []sfmdb.CameraPose{poseA, poseB} {
			if px, ok := cam.Project(pose.WorldTCamera, truePos); ok {
				db.obs[pose.ID] = append(db.obs[pose.ID], sfmdb.Observation{ObjectPointID: pointID, ImagePoint: px})
			}
		}
	}
	return db
}

func cubePoints() [][3]float64 {
	return [][3]float64{
		{-0.3, -0.3, 3}, {0.3, -0.3, 3}, {0.3, 0.3, 3}, {-0.3, 0.3, 3},
		{-0.2, -0.2, 4}, {0.2, -0.2, 4}, {0.2, 0.2, 4}, {-0.2, 0.2, 4},
	}
}

func TestBundleAdjustFixedPosesConvergesToTruePoints(t *testing.T) {
	cam := newFakeCamera()
	poseA := identityPoseAt(0, 0, 0, 0)
	poseB := identityPoseAt(1, 0.3, 0, 0)
	truePoints := cubePoints()
	db := buildSyntheticScene(cam, poseA, poseB, truePoints, [3]float64{0.05, -0.04, 0.03})

	opts := DefaultSolverOptions()
	opts.MinObservations = 2
	opts.Estimator = robustweight.Square
	pool := workerpool.New(2)
	s := &Solver3{DB: db, Camera: cam, Options: opts, Pool: pool}

	objectPointIDs := make([]uint32, len(truePoints))
	for i := range truePoints {
		objectPointIDs[i] = uint32(i + 1)
	}

	result := s.BundleAdjustFixedPoses(context.Background(), []uint32{0, 1}, objectPointIDs)
	if !result.OK {
		t.Fatalf("expected bundle adjustment to succeed")
	}

	for i, tp := range truePoints {
		pointID := uint32(i + 1)
		pt, ok := db.ObjectPoint(pointID)
		if !ok || !pt.Valid {
			t.Fatalf("point %d missing or invalid after bundle adjust", pointID)
		}
		dx := pt.Position.AtVec(0) - tp[0]
		dy := pt.Position.AtVec(1) - tp[1]
		dz := pt.Position.AtVec(2) - tp[2]
		if err := math.Sqrt(dx*dx + dy*dy + dz*dz); err > 0.02 {
			t.Errorf("point %d: position error %.4f exceeds tolerance", pointID, err)
		}
	}
}

func TestBundleAdjustPosesAndPointsRecoversPerturbedPose(t *testing.T) {
	cam := newFakeCamera()
	poseA := identityPoseAt(0, 0, 0, 0)
	trueB := identityPoseAt(1, 0.3, 0, 0)
	truePoints := cubePoints()
	db := buildSyntheticScene(cam, poseA, trueB, truePoints, [3]float64{0.02, -0.01, 0.015})

	// Perturb pose B's stored translation away from ground truth; bundle
	// adjustment should pull it back given noiseless observations.
	perturbedB := identityPoseAt(1, 0.25, 0.04, -0.03)
	db.poses[1] = perturbedB

	opts := DefaultSolverOptions()
	opts.MinKeyframes = 2
	opts.MinObservations = 2
	opts.Estimator = robustweight.Square
	pool := workerpool.New(2)
	s := &Solver3{DB: db, Camera: cam, Options: opts, Pool: pool}

	objectPointIDs := make([]uint32, len(truePoints))
	for i := range truePoints {
		objectPointIDs[i] = uint32(i + 1)
	}

	result := s.BundleAdjustPosesAndPoints([]uint32{0, 1}, objectPointIDs, nil)
	if !result.OK {
		t.Fatalf("expected bundle adjustment to succeed, got error %.4f", result.RobustError)
	}

	pose, ok := db.Pose(1)
	if !ok || !pose.Valid {
		t.Fatalf("pose 1 missing or invalid after bundle adjust")
	}
	for i := 0; i < 3; i++ {
		got := pose.WorldTCamera.At(i, 3)
		want := trueB.WorldTCamera.At(i, 3)
		if diff := math.Abs(got - want); diff > 0.03 {
			t.Errorf("pose 1 translation[%d]: got %.4f want %.4f (diff %.4f)", i, got, want, diff)
		}
	}
}

// TestBundleAdjustPosesPointsIntrinsicsRecoversFocalLength exercises the
// advanced/sparse driver path (lmsolver.AdvancedOptimize via
// provider.BundleWithIntrinsicsProvider): poses and points are seeded at
// ground truth so only the perturbed shared intrinsics need correcting,
// isolating the provider-owned Hessian caching from pose/point drift.
func TestBundleAdjustPosesPointsIntrinsicsRecoversFocalLength(t *testing.T) {
	cam := newFakeCamera()
	poseA := identityPoseAt(0, 0, 0, 0)
	poseB := identityPoseAt(1, 0.3, 0, 0)
	truePoints := cubePoints()
	trueFocalX := cam.Intrinsics().FocalX
	db := buildSyntheticScene(cam, poseA, poseB, truePoints, [3]float64{0, 0, 0})

	opts := DefaultSolverOptions()
	opts.MinKeyframes = 2
	opts.MinObservations = 2
	opts.Estimator = robustweight.Square
	pool := workerpool.New(2)
	s := &Solver3{DB: db, Camera: cam, Options: opts, Pool: pool}

	objectPointIDs := make([]uint32, len(truePoints))
	for i := range truePoints {
		objectPointIDs[i] = uint32(i + 1)
	}

	perturbedIntr := cam.Intrinsics()
	perturbedIntr.FocalX += 15
	perturbedIntr.FocalY += 15
	cam.SetIntrinsics(perturbedIntr)

	result := s.BundleAdjustPosesPointsIntrinsics([]uint32{0, 1}, objectPointIDs, nil)
	if !result.OK {
		t.Fatalf("expected bundle-with-intrinsics adjustment to succeed, got error %.4f", result.RobustError)
	}

	got := cam.Intrinsics().FocalX
	if diff := math.Abs(got - trueFocalX); diff > 2.0 {
		t.Errorf("FocalX: got %.4f want %.4f (diff %.4f)", got, trueFocalX, diff)
	}
}
