package meshtrack

import (
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/sfmdb"
)

// fakeFrameTracker passes an object's existing live correspondences
// straight through as "tracked", standing in for real optical-flow
// tracking.
type fakeFrameTracker struct{}

func (fakeFrameTracker) TrackFrameToFrame(obj *MeshObject, prevFrame, curFrame ImagePyramid, prevCameraTCur *mat.Dense) ([]mat.VecDense, [][2]float64, []bool) {
	oks := make([]bool, obj.LiveCount())
	for i := range oks {
		oks[i] = true
	}
	return obj.LiveObjectPoints(), obj.LiveImagePoints(), oks
}

// fakeRectifier populates a triangle's tracked points from a fixed
// per-object correspondence set, standing in for homography-based
// rectification.
type fakeRectifier struct {
	byObject map[uint32][]struct {
		obj mat.VecDense
		img [2]float64
	}
}

func (f *fakeRectifier) RectifyTriangle(obj *MeshObject, tri *MeshTriangle, curFrame ImagePyramid, deadline float64) bool {
	corr, ok := f.byObject[obj.ID]
	if !ok {
		return false
	}
	objPts := make([]mat.VecDense, len(corr))
	imgPts := make([][2]float64, len(corr))
	for i, c := range corr {
		objPts[i] = c.obj
		imgPts[i] = c.img
	}
	tri.SetTrackedPoints(objPts, imgPts)
	return true
}

// fakeRecognizer always succeeds; actual correspondence population is
// left to the rectifier, mirroring spec.md's tryRecognize -> rectify
// ordering.
type fakeRecognizer struct{}

func (fakeRecognizer) ExtractFeatures(curFrame ImagePyramid, maxFeatures int) []sfmdb.Feature {
	return []sfmdb.Feature{{}}
}

func (fakeRecognizer) TryRecognize(obj *MeshObject, features []sfmdb.Feature, ransacIterations int, deadline float64) bool {
	return true
}

// fakePoseRecoverer accepts whenever enough correspondences are present.
type fakePoseRecoverer struct{ minPoints int }

func (f fakePoseRecoverer) RecoverPose(objectPoints []mat.VecDense, imagePoints [][2]float64, iterations int) (*mat.Dense, bool) {
	if len(objectPoints) < f.minPoints {
		return nil, false
	}
	T := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		T.Set(i, i, 1)
	}
	return T, true
}

func fiveCorrespondences() []struct {
	obj mat.VecDense
	img [2]float64
} {
	out := make([]struct {
		obj mat.VecDense
		img [2]float64
	}, 5)
	for i := range out {
		out[i].obj = *mat.NewVecDense(3, []float64{float64(i), float64(i) * 2, 3})
		out[i].img = [2]float64{float64(i) * 10, float64(i) * 5}
	}
	return out
}

// TestProcessFrameRecognizesOneObjectPerFrameThenTracks implements
// spec.md §4.6's per-frame algorithm and its "at most one object per
// frame" recognition invariant: two untracked objects are registered,
// each recognition attempt establishes a pose for exactly one of them,
// and once tracked an object stays tracked via frame-to-frame tracking.
func TestProcessFrameRecognizesOneObjectPerFrameThenTracks(t *testing.T) {
	tracker := NewMeshObjectTracker(nil, nil, TrackerConfig{
		MinTrackedPoints:                        4,
		ConcurrentTrackedObjectLimit:             2,
		MaxFeatures:                              100,
		RansacIterations:                         10,
		RecognitionCadenceWithTrackedObjects:      0,
		RecognitionCadenceWithoutTrackedObjects:   0,
		TrackingRectificationDeadline:            0.002,
		RecognitionRectificationDeadline:         0.006,
		MaximalPoseGuessAge:                      0.5,
	})
	tracker.FrameTrack = fakeFrameTracker{}
	tracker.Recognize = fakeRecognizer{}
	tracker.PoseRec = fakePoseRecoverer{minPoints: 4}

	objA := tracker.RegisterObject([]*MeshTriangle{NewMeshTriangle(0, 3)})
	objB := tracker.RegisterObject([]*MeshTriangle{NewMeshTriangle(0, 3)})

	rectifier := &fakeRectifier{byObject: map[uint32][]struct {
		obj mat.VecDense
		img [2]float64
	}{
		objA.ID: fiveCorrespondences(),
		objB.ID: fiveCorrespondences(),
	}}
	tracker.Rectify = rectifier

	tracker.ProcessFrame(nil, nil, 0.0, nil, true)
	if !objA.PoseValid {
		t.Fatalf("expected object A to be recognized and posed on frame 1")
	}
	if objB.PoseValid {
		t.Fatalf("expected object B to remain untracked on frame 1 (one recognition per frame)")
	}

	tracker.ProcessFrame(nil, nil, 1.0, nil, true)
	if !objA.PoseValid {
		t.Errorf("expected object A to remain tracked on frame 2")
	}
	if !objB.PoseValid {
		t.Fatalf("expected object B to be recognized and posed on frame 2")
	}

	if got := tracker.trackedCount(); got != 2 {
		t.Errorf("expected 2 tracked objects, got %d", got)
	}

	tracker.ProcessFrame(nil, nil, 2.0, nil, true)
	if !objA.PoseValid || !objB.PoseValid {
		t.Errorf("expected both objects to remain tracked on frame 3")
	}
}

// TestTrackObjectDropsOnTooFewPoints implements spec.md §4.6's failure
// mode: an object whose frame-to-frame tracking falls below
// MinTrackedPoints is marked untracked but keeps its pose guess.
func TestTrackObjectDropsOnTooFewPoints(t *testing.T) {
	tracker := NewMeshObjectTracker(nil, nil, TrackerConfig{
		MinTrackedPoints:             4,
		ConcurrentTrackedObjectLimit: 1,
	})
	// A FrameTracker that always reports zero tracked points.
	tracker.FrameTrack = emptyFrameTracker{}

	obj := tracker.RegisterObject(nil)
	obj.SetLiveCorrespondences([]mat.VecDense{*mat.NewVecDense(3, []float64{0, 0, 1})}, [][2]float64{{1, 1}})
	obj.SetPose(mat.NewDense(4, 4, nil))
	obj.UpdatePoseGuess(0)

	tracker.ProcessFrame(nil, nil, 0.1, nil, false)

	if obj.PoseValid {
		t.Fatalf("expected object to be marked untracked")
	}
	if _, ok := obj.HasPoseGuess(0.1, 0.5); !ok {
		t.Errorf("expected the pose guess to survive losing tracking")
	}
}

type emptyFrameTracker struct{}

func (emptyFrameTracker) TrackFrameToFrame(obj *MeshObject, prevFrame, curFrame ImagePyramid, prevCameraTCur *mat.Dense) ([]mat.VecDense, [][2]float64, []bool) {
	return nil, nil, nil
}
