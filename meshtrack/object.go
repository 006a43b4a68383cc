package meshtrack

import (
	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/internal/robustmath"
	"github.com/nmichlo/sfmgo/internal/scipy"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// duplicatePixelRadius is how close (in pixels) a newly rectified
// triangle point must land to an already-live correspondence before it's
// treated as the same point and dropped, avoiding near-duplicate
// observations of the same physical feature feeding the pose recoverer
// twice.
const duplicatePixelRadius = 1.5

// BoundingBox2D is the axis-aligned 2D sub-region covered by an object's
// triangles once projected into the current frame (spec.md §4.6's "the
// sub-region currently covered by projected triangles").
type BoundingBox2D struct {
	MinX, MinY, MaxX, MaxY float64
	Valid                  bool
}

func boundingBoxOf(points [][2]float64) BoundingBox2D {
	if len(points) == 0 {
		return BoundingBox2D{}
	}
	box := BoundingBox2D{MinX: points[0][0], MaxX: points[0][0], MinY: points[0][1], MaxY: points[0][1], Valid: true}
	for _, p := range points[1:] {
		if p[0] < box.MinX {
			box.MinX = p[0]
		}
		if p[0] > box.MaxX {
			box.MaxX = p[0]
		}
		if p[1] < box.MinY {
			box.MinY = p[1]
		}
		if p[1] > box.MaxY {
			box.MaxY = p[1]
		}
	}
	return box
}

// MeshObject is one registered trackable mesh (spec.md §4.6): its
// triangles, the currently estimated pose (if any), a cached rough pose
// guess with timestamp, and the round-robin cursor used to pick which
// triangle to rectify each frame.
type MeshObject struct {
	ID        uint32
	Triangles []*MeshTriangle

	Pose      *mat.Dense
	PoseValid bool

	ProjectedSubRegion BoundingBox2D

	liveObjectPoints []mat.VecDense
	liveImagePoints  [][2]float64

	poseGuess   *mat.Dense
	poseGuessAt float64
	hasGuess    bool

	rectifyCursor int
}

// NewMeshObject constructs an unregistered, invalid-pose mesh object.
// Use MeshObjectTracker.RegisterObject to obtain one with a tracker-issued
// id.
func NewMeshObject(id uint32, triangles []*MeshTriangle) *MeshObject {
	return &MeshObject{ID: id, Triangles: triangles}
}

// LiveObjectPoints/LiveImagePoints are the 3D/2D correspondences
// currently tracked for this object (original_source's objectPoints()/
// imagePoints()), fed to the pose recoverer each frame.
func (o *MeshObject) LiveObjectPoints() []mat.VecDense { return o.liveObjectPoints }
func (o *MeshObject) LiveImagePoints() [][2]float64    { return o.liveImagePoints }
func (o *MeshObject) LiveCount() int                   { return len(o.liveObjectPoints) }

// SetLiveCorrespondences replaces the object's current correspondence
// set, e.g. after a frame-to-frame tracking pass.
func (o *MeshObject) SetLiveCorrespondences(objectPoints []mat.VecDense, imagePoints [][2]float64) {
	o.liveObjectPoints = objectPoints
	o.liveImagePoints = imagePoints
}

// MergeTriangleCorrespondences folds a triangle's tracked points into the
// object-level live correspondence set, used after rectifying a triangle
// to extend the points available for pose recovery. Triangle points that
// land within duplicatePixelRadius of an already-live point (adjacent
// triangles commonly re-observe a shared edge/corner) are matched against
// the live set via a greedy nearest-neighbor pass
// (internal/robustmath.GreedyMatch) and dropped, over a pairwise distance
// matrix from internal/scipy.Cdist.
func (o *MeshObject) MergeTriangleCorrespondences(tri *MeshTriangle) {
	if len(o.liveImagePoints) == 0 {
		o.liveObjectPoints = append(o.liveObjectPoints, tri.ObjectPoints...)
		o.liveImagePoints = append(o.liveImagePoints, tri.ImagePoints...)
		return
	}

	newPts := mat.NewDense(len(tri.ImagePoints), 2, nil)
	for i, p := range tri.ImagePoints {
		newPts.SetRow(i, p[:])
	}
	livePts := mat.NewDense(len(o.liveImagePoints), 2, nil)
	for j, q := range o.liveImagePoints {
		livePts.SetRow(j, q[:])
	}
	dist := scipy.Cdist(newPts, livePts, "sqeuclidean")
	matchedRows, _ := robustmath.GreedyMatch(dist, duplicatePixelRadius*duplicatePixelRadius)
	isDuplicate := make(map[int]bool, len(matchedRows))
	for _, r := range matchedRows {
		isDuplicate[r] = true
	}

	for i := range tri.ImagePoints {
		if isDuplicate[i] {
			continue
		}
		o.liveObjectPoints = append(o.liveObjectPoints, tri.ObjectPoints[i])
		o.liveImagePoints = append(o.liveImagePoints, tri.ImagePoints[i])
	}
}

// SetPose records a successfully recovered pose.
func (o *MeshObject) SetPose(worldTCamera *mat.Dense) {
	o.Pose = worldTCamera
	o.PoseValid = true
}

// Reset clears the object's tracking state (triangle and object-level
// correspondences, current pose) while leaving the feature map/texture
// untouched, per original_source's MeshObject::reset(). If keepPoseGuess
// is false the cached pose guess is cleared too, so the next recognition
// attempt cannot seed from a stale guess.
func (o *MeshObject) Reset(keepPoseGuess bool) {
	o.liveObjectPoints = nil
	o.liveImagePoints = nil
	o.Pose = nil
	o.PoseValid = false
	o.ProjectedSubRegion = BoundingBox2D{}
	for _, tri := range o.Triangles {
		tri.ClearTrackedPoints(false)
	}
	if !keepPoseGuess {
		o.poseGuess = nil
		o.hasGuess = false
		o.poseGuessAt = 0
	}
}

// markUntracked implements spec.md §4.6's failure mode: drop
// correspondences and invalidate the pose, but keep the pose guess so a
// subsequent recognition attempt can seed from it.
func (o *MeshObject) markUntracked() {
	o.Reset(true)
}

// HasPoseGuess reports whether a cached pose guess exists and is no
// older than maximalAge relative to now (spec.md §4.6, default 0.5s).
func (o *MeshObject) HasPoseGuess(now, maximalAge float64) (*mat.Dense, bool) {
	if !o.hasGuess || o.poseGuess == nil {
		return nil, false
	}
	if now-o.poseGuessAt > maximalAge {
		return nil, false
	}
	return o.poseGuess, true
}

// UpdatePoseGuess caches the object's current pose as its rough guess
// with the given timestamp, called after every frame with a successful
// pose (spec.md §4.6).
func (o *MeshObject) UpdatePoseGuess(now float64) {
	if !o.PoseValid {
		return
	}
	o.poseGuess = o.Pose
	o.poseGuessAt = now
	o.hasGuess = true
}

// updateProjectedSubRegion recomputes the 2D bounding box covered by the
// object's tracked 3D points reprojected under the just-estimated pose (a
// simplified stand-in for original_source's triangle-silhouette
// projection, since sfmgo does not rasterize triangle interiors or carry
// a full UV mesh).
func (o *MeshObject) updateProjectedSubRegion(cam sfmdb.Camera) {
	if !o.PoseValid || cam == nil || len(o.liveObjectPoints) == 0 {
		o.ProjectedSubRegion = BoundingBox2D{}
		return
	}
	pixels := make([][2]float64, 0, len(o.liveObjectPoints))
	for i := range o.liveObjectPoints {
		if px, ok := cam.Project(o.Pose, &o.liveObjectPoints[i]); ok {
			pixels = append(pixels, px)
		}
	}
	o.ProjectedSubRegion = boundingBoxOf(pixels)
}
