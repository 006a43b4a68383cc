package provider

import (
	"math"
	"testing"

	"github.com/nmichlo/sfmgo/lmsolver"
	"github.com/nmichlo/sfmgo/robustweight"
	"github.com/nmichlo/sfmgo/sfmdb"
)

func testIntrinsics() sfmdb.CameraIntrinsics {
	return sfmdb.CameraIntrinsics{
		FocalX: 500, FocalY: 500,
		PrincipalX: 320, PrincipalY: 240,
		Width: 640, Height: 480,
	}
}

func syntheticObjectPoints() [][3]float64 {
	return [][3]float64{
		{0.2, 0.1, 2.0},
		{-0.3, 0.2, 2.5},
		{0.1, -0.4, 3.0},
		{-0.2, -0.1, 2.2},
		{0.4, 0.3, 2.8},
		{-0.1, 0.0, 3.2},
	}
}

func TestOrientationProviderRecoversRotation(t *testing.T) {
	intr := testIntrinsics()
	truth := [3]float64{0.05, -0.03, 0.02}
	R := rodriguesToMatrix(truth)

	points := syntheticObjectPoints()
	obs := make([]OrientationObservation, len(points))
	for i, pt := range points {
		camPoint := rotatePoint(R, pt)
		pixel, ok := projectPinhole(intr, camPoint)
		if !ok {
			t.Fatalf("synthetic point %d projected behind camera", i)
		}
		obs[i] = OrientationObservation{ObjectPoint: pt, Pixel: pixel}
	}

	p := NewOrientationProvider(intr, [3]float64{}, obs, [3]float64{0, 0, 0})
	result, ok := lmsolver.DenseOptimize(p, lmsolver.Options{
		Iterations:   30,
		Lambda:       0.01,
		LambdaFactor: 10,
		Estimator:    robustweight.Square,
	})
	if !ok {
		t.Fatalf("expected optimization to succeed")
	}
	if result.Error > 1e-6 {
		t.Errorf("expected near-zero reprojection error, got %v", result.Error)
	}
	got := p.Rotation()
	for i := range got {
		if math.Abs(got[i]-truth[i]) > 1e-3 {
			t.Errorf("rotation component %d: got %v want %v", i, got[i], truth[i])
		}
	}
}

func TestPoseProviderRecoversPose(t *testing.T) {
	intr := testIntrinsics()
	truth := [6]float64{0.03, 0.02, -0.01, 0.1, -0.05, 0.2}
	R := rodriguesToMatrix([3]float64{truth[0], truth[1], truth[2]})

	points := syntheticObjectPoints()
	obs := make([]PoseObservation, len(points))
	for i, pt := range points {
		rotated := rotatePoint(R, pt)
		camPoint := [3]float64{rotated[0] + truth[3], rotated[1] + truth[4], rotated[2] + truth[5]}
		pixel, ok := projectPinhole(intr, camPoint)
		if !ok {
			t.Fatalf("synthetic point %d projected behind camera", i)
		}
		obs[i] = PoseObservation{ObjectPoint: pt, Pixel: pixel}
	}

	p := NewPoseProvider(intr, obs, [6]float64{})
	result, ok := lmsolver.DenseOptimize(p, lmsolver.Options{
		Iterations:   30,
		Lambda:       0.01,
		LambdaFactor: 10,
		Estimator:    robustweight.Square,
	})
	if !ok {
		t.Fatalf("expected optimization to succeed")
	}
	if result.Error > 1e-6 {
		t.Errorf("expected near-zero reprojection error, got %v", result.Error)
	}
}

// TestCameraOrientationProviderRejectsInfeasibleIntrinsics verifies spec.md
// §4.3's feasibility clause: a candidate with a non-positive focal length
// reports +Inf error rather than a finite (misleading) one.
func TestCameraOrientationProviderRejectsInfeasibleIntrinsics(t *testing.T) {
	intr := testIntrinsics()
	points := syntheticObjectPoints()
	obs := make([]OrientationObservation, len(points))
	for i, pt := range points {
		pixel, _ := projectPinhole(intr, pt)
		obs[i] = OrientationObservation{ObjectPoint: pt, Pixel: pixel}
	}

	p := NewCameraOrientationProvider([3]float64{}, obs, intr, [3]float64{})
	p.candidate[3] = -10 // negative focal length: infeasible
	_, _, errVal := p.RobustError(robustweight.Square, nil)
	if !math.IsInf(errVal, 1) {
		t.Errorf("expected +Inf error for infeasible intrinsics, got %v", errVal)
	}
}

func TestObjectPointFixedPosesProviderTriangulates(t *testing.T) {
	intr := testIntrinsics()
	truePoint := [3]float64{0.1, 0.2, 2.5}

	poses := [][6]float64{
		{0, 0, 0, -0.5, 0, 0},
		{0.02, 0, 0, 0.5, 0.1, 0},
		{-0.01, 0.03, 0, 0.1, -0.3, 0.2},
	}
	obs := make([]PoseObservationOf, len(poses))
	for i, pose := range poses {
		bp := NewBundleDensePosesAndPointsProvider(intr, nil, [][6]float64{pose}, nil)
		T := bp.Pose(0)
		var camHomog [4]float64
		homog := []float64{truePoint[0], truePoint[1], truePoint[2], 1}
		for r := 0; r < 4; r++ {
			var sum float64
			for c := 0; c < 4; c++ {
				sum += T.At(r, c) * homog[c]
			}
			camHomog[r] = sum
		}
		pixel, ok := projectPinhole(intr, [3]float64{camHomog[0], camHomog[1], camHomog[2]})
		if !ok {
			t.Fatalf("pose %d: point projected behind camera", i)
		}
		obs[i] = PoseObservationOf{WorldTCamera: T, Pixel: pixel}
	}

	p := NewObjectPointFixedPosesProvider(intr, obs, [3]float64{0, 0, 1})
	result, ok := lmsolver.DenseOptimize(p, lmsolver.Options{
		Iterations:   30,
		Lambda:       0.01,
		LambdaFactor: 10,
		Estimator:    robustweight.Square,
	})
	if !ok {
		t.Fatalf("expected optimization to succeed")
	}
	if result.Error > 1e-6 {
		t.Errorf("expected near-zero reprojection error, got %v", result.Error)
	}
	got := p.Position()
	for i := range got {
		if math.Abs(got[i]-truePoint[i]) > 1e-2 {
			t.Errorf("position component %d: got %v want %v", i, got[i], truePoint[i])
		}
	}
}
