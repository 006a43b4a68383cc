package meshtrack

import (
	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/internal/workerpool"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// ImagePyramid is an opaque, caller-defined texture/frame pyramid handle.
// Image decoding and pyramid construction are non-goals of this core
// (SPEC_FULL.md §2) — sfmgo never looks inside one.
type ImagePyramid any

// FrameTracker runs optical-flow-style frame-to-frame point tracking for
// one object (spec.md §4.6's "trackFrameToFrame"). A non-goal collaborator,
// analogous to package sfm's StereoRecoverer/PoseRecoverer.
type FrameTracker interface {
	TrackFrameToFrame(obj *MeshObject, prevFrame, curFrame ImagePyramid, prevCameraTCur *mat.Dense) (objectPoints []mat.VecDense, imagePoints [][2]float64, ok []bool)
}

// TriangleRectifier refines a single triangle's correspondences by
// warping the current frame into texture space (spec.md §4.6's
// "rectifyOneTriangle"/"rectifyAvailableTriangles"). A non-goal
// collaborator: homography-based rectification is out of scope.
type TriangleRectifier interface {
	RectifyTriangle(obj *MeshObject, tri *MeshTriangle, curFrame ImagePyramid, deadlineSeconds float64) bool
}

// PoseRecoverer solves PnP for a mesh object given its current
// correspondences (spec.md §4.6's "pnp(...)"). A non-goal collaborator;
// distinct from sfm.PoseRecoverer since it carries no RANSAC inlier
// output (the mesh tracker only needs accept/reject).
type PoseRecoverer interface {
	RecoverPose(objectPoints []mat.VecDense, imagePoints [][2]float64, iterations int) (worldTCamera *mat.Dense, ok bool)
}

// Recognizer extracts Blob-style features from a frame and attempts to
// recognize a specific object in them (spec.md §4.6's "extractBlob"/
// "tryRecognize"). A non-goal collaborator.
type Recognizer interface {
	ExtractFeatures(curFrame ImagePyramid, maxFeatures int) []sfmdb.Feature
	TryRecognize(obj *MeshObject, features []sfmdb.Feature, ransacIterations int, deadlineSeconds float64) bool
}

// TrackerConfig collects every tunable spec.md §4.6 names.
type TrackerConfig struct {
	MinTrackedPoints             int
	ConcurrentTrackedObjectLimit int
	MaxFeatures                  int
	RansacIterations             int

	RecognitionCadenceWithTrackedObjects    float64 // seconds, default 0.5
	RecognitionCadenceWithoutTrackedObjects float64 // seconds, default 0

	TrackingRectificationDeadline    float64 // seconds, default 0.002
	RecognitionRectificationDeadline float64 // seconds, default 0.006

	MaximalPoseGuessAge float64 // seconds, default 0.5
}

// DefaultTrackerConfig returns the defaults spec.md §4.6 names.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MinTrackedPoints:                        4,
		ConcurrentTrackedObjectLimit:             1,
		MaxFeatures:                              400,
		RansacIterations:                         50,
		RecognitionCadenceWithTrackedObjects:      0.5,
		RecognitionCadenceWithoutTrackedObjects:   0,
		TrackingRectificationDeadline:            0.002,
		RecognitionRectificationDeadline:         0.006,
		MaximalPoseGuessAge:                      0.5,
	}
}

// MeshObjectTracker orchestrates per-frame tracking for every registered
// MeshObject (spec.md §4.6), sequentially over objects to respect
// ConcurrentTrackedObjectLimit (spec.md §5), while feature extraction and
// per-object optimization may be farmed out to Pool by the collaborators
// themselves.
type MeshObjectTracker struct {
	Camera sfmdb.Camera
	Pool   *workerpool.Pool
	Config TrackerConfig

	FrameTrack FrameTracker
	Rectify    TriangleRectifier
	PoseRec    PoseRecoverer
	Recognize  Recognizer

	factory *meshObjectFactory
	objects map[uint32]*MeshObject
	order   []uint32

	recognitionCursor        int
	lastRecognitionAttemptAt float64
}

// NewMeshObjectTracker constructs a tracker with no registered objects.
func NewMeshObjectTracker(camera sfmdb.Camera, pool *workerpool.Pool, config TrackerConfig) *MeshObjectTracker {
	return &MeshObjectTracker{
		Camera:  camera,
		Pool:    pool,
		Config:  config,
		factory: newMeshObjectFactory(),
		objects: make(map[uint32]*MeshObject),
	}
}

// RegisterObject adds a new trackable mesh with a tracker-issued id.
func (t *MeshObjectTracker) RegisterObject(triangles []*MeshTriangle) *MeshObject {
	id := t.factory.nextID()
	o := NewMeshObject(id, triangles)
	t.objects[id] = o
	t.order = append(t.order, id)
	return o
}

// Object looks up a registered object by id.
func (t *MeshObjectTracker) Object(id uint32) (*MeshObject, bool) {
	o, ok := t.objects[id]
	return o, ok
}

// trackedCount reports how many registered objects currently report a
// valid pose (spec.md §4.6 invariant: bounded by ConcurrentTrackedObjectLimit).
func (t *MeshObjectTracker) trackedCount() int {
	n := 0
	for _, o := range t.objects {
		if o.PoseValid {
			n++
		}
	}
	return n
}

func (t *MeshObjectTracker) recognitionCadenceElapsed(timestamp float64) bool {
	cadence := t.Config.RecognitionCadenceWithoutTrackedObjects
	if t.trackedCount() > 0 {
		cadence = t.Config.RecognitionCadenceWithTrackedObjects
	}
	return timestamp-t.lastRecognitionAttemptAt >= cadence
}

// ProcessFrame implements spec.md §4.6's per-frame algorithm: every
// object with a previous pose is tracked frame-to-frame and, if it still
// has enough points, re-rectified/re-posed; at most one untracked object
// per frame is offered to recognition, selected round-robin via
// recognitionCursor (spec.md §4.6 invariant "at most one object per
// frame").
func (t *MeshObjectTracker) ProcessFrame(prevFrame, curFrame ImagePyramid, timestamp float64, prevCameraTCur *mat.Dense, allowRecognition bool) {
	for _, id := range t.order {
		o := t.objects[id]
		if o.PoseValid {
			t.trackObject(o, prevFrame, curFrame, prevCameraTCur, timestamp)
		}
	}

	if !allowRecognition || len(t.order) == 0 {
		return
	}
	if !t.recognitionCadenceElapsed(timestamp) {
		return
	}
	if t.trackedCount() >= t.Config.ConcurrentTrackedObjectLimit {
		return
	}

	n := len(t.order)
	for i := 0; i < n; i++ {
		idx := (t.recognitionCursor + i) % n
		o := t.objects[t.order[idx]]
		if o.PoseValid {
			continue
		}
		t.recognitionCursor = (idx + 1) % n
		t.lastRecognitionAttemptAt = timestamp
		t.tryRecognizeObject(o, curFrame, timestamp)
		break
	}
}

func (t *MeshObjectTracker) trackObject(o *MeshObject, prevFrame, curFrame ImagePyramid, prevCameraTCur *mat.Dense, timestamp float64) {
	trackedCount := 0
	if t.FrameTrack != nil {
		objPts, imgPts, oks := t.FrameTrack.TrackFrameToFrame(o, prevFrame, curFrame, prevCameraTCur)
		liveObj := make([]mat.VecDense, 0, len(objPts))
		liveImg := make([][2]float64, 0, len(imgPts))
		for i := range objPts {
			if i < len(oks) && oks[i] {
				liveObj = append(liveObj, objPts[i])
				liveImg = append(liveImg, imgPts[i])
			}
		}
		o.SetLiveCorrespondences(liveObj, liveImg)
		trackedCount = len(liveObj)
	}

	if trackedCount < t.Config.MinTrackedPoints {
		o.markUntracked()
		return
	}

	if t.Rectify != nil {
		t.rectifyOneTriangle(o, curFrame, t.Config.TrackingRectificationDeadline)
		trackedCount = o.LiveCount()
	}

	if trackedCount < t.Config.MinTrackedPoints || t.PoseRec == nil {
		o.markUntracked()
		return
	}

	pose, ok := t.PoseRec.RecoverPose(o.LiveObjectPoints(), o.LiveImagePoints(), t.Config.RansacIterations)
	if !ok {
		o.markUntracked()
		return
	}
	o.SetPose(pose)
	o.UpdatePoseGuess(timestamp)
	o.updateProjectedSubRegion(t.Camera)
}

// rectifyOneTriangle advances obj's round-robin cursor by one triangle
// and attempts to refine it (spec.md §4.6's round-robin schedule: one
// triangle's rectification budget per frame while tracking, rather than
// sweeping the whole mesh every frame).
func (t *MeshObjectTracker) rectifyOneTriangle(o *MeshObject, curFrame ImagePyramid, deadline float64) {
	if len(o.Triangles) == 0 {
		return
	}
	tri := o.Triangles[o.rectifyCursor%len(o.Triangles)]
	o.rectifyCursor = (o.rectifyCursor + 1) % len(o.Triangles)
	if t.Rectify.RectifyTriangle(o, tri, curFrame, deadline) {
		o.MergeTriangleCorrespondences(tri)
	}
}

// rectifyAvailableTriangles sweeps every triangle once, used right after
// a successful recognition when the object has no correspondences yet
// (spec.md §4.6's "rectifyAvailableTriangles").
func (t *MeshObjectTracker) rectifyAvailableTriangles(o *MeshObject, curFrame ImagePyramid) {
	for _, tri := range o.Triangles {
		if t.Rectify.RectifyTriangle(o, tri, curFrame, t.Config.RecognitionRectificationDeadline) {
			o.MergeTriangleCorrespondences(tri)
		}
	}
}

func (t *MeshObjectTracker) tryRecognizeObject(o *MeshObject, curFrame ImagePyramid, timestamp float64) {
	if t.Recognize == nil {
		return
	}
	features := t.Recognize.ExtractFeatures(curFrame, t.Config.MaxFeatures)
	if !t.Recognize.TryRecognize(o, features, t.Config.RansacIterations, t.Config.RecognitionRectificationDeadline) {
		return
	}
	if t.Rectify != nil {
		t.rectifyAvailableTriangles(o, curFrame)
	}
	if t.PoseRec == nil {
		return
	}
	pose, ok := t.PoseRec.RecoverPose(o.LiveObjectPoints(), o.LiveImagePoints(), t.Config.RansacIterations)
	if !ok {
		return
	}
	o.SetPose(pose)
	o.UpdatePoseGuess(timestamp)
	o.updateProjectedSubRegion(t.Camera)
}
