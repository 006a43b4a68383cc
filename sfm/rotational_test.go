package sfm

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/robustweight"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// TestSupposeRotationalCameraMotionRewritesPosesAndPoints verifies
// spec.md §8 property 5: after SupposeRotationalCameraMotion accepts,
// every pose in range has |translation| < 1e-6 and every surviving
// point's direction from the origin matches its observation ray in the
// reference frame.
func TestSupposeRotationalCameraMotionRewritesPosesAndPoints(t *testing.T) {
	cam := newFakeCamera()
	points := make([][3]float64, 0, 30)
	for i := 0; i < 30; i++ {
		angle := float64(i) * 2 * math.Pi / 30
		points = append(points, [3]float64{2 * math.Cos(angle), 0.4 * math.Sin(float64(i)), 4 + 2*math.Sin(angle)})
	}

	db := newFakeDB()
	for i, p := range points {
		// Seed with a deliberately wrong position; the rewrite must
		// replace it with a ray-based one regardless of prior content.
		db.SetObjectPointPosition(uint32(i+1), mat.NewVecDense(3, []float64{0, 0, 1}))
	}

	const numFrames = 8
	for frame := 0; frame < numFrames; frame++ {
		angle := float64(frame) * 3 * math.Pi / 180
		R := yRotation(angle)
		T := rotatedPoseAt(uint32(frame), R, [3]float64{}).WorldTCamera
		var ids []uint32
		for i, p := range points {
			pixel, ok := cam.Project(T, mat.NewVecDense(3, p[:]))
			if !ok {
				continue
			}
			db.obs[uint32(frame)] = append(db.obs[uint32(frame)], sfmdb.Observation{
				PoseID: uint32(frame), ObjectPointID: uint32(i + 1), ImagePoint: pixel,
			})
			ids = append(ids, uint32(i+1))
		}
		_ = ids
	}

	opts := DefaultSolverOptions()
	opts.Estimator = robustweight.Square
	s := &Solver3{DB: db, Camera: cam, Options: opts}

	objectPointIDs := make([]uint32, len(points))
	for i := range points {
		objectPointIDs[i] = uint32(i + 1)
	}

	if ok := s.SupposeRotationalCameraMotion(0, numFrames, objectPointIDs, false); !ok {
		t.Fatalf("expected SupposeRotationalCameraMotion to accept")
	}

	refPoseID, found := s.poseWithMostCorrespondences(0, numFrames, objectPointIDs)
	if !found {
		t.Fatalf("expected a reference pose")
	}

	for frame := 0; frame < numFrames; frame++ {
		pose, ok := db.Pose(uint32(frame))
		if !ok || !pose.Valid {
			continue
		}
		tx, ty, tz := pose.WorldTCamera.At(0, 3), pose.WorldTCamera.At(1, 3), pose.WorldTCamera.At(2, 3)
		if math.Sqrt(tx*tx+ty*ty+tz*tz) > 1e-6 {
			t.Errorf("frame %d: expected zero translation, got (%v, %v, %v)", frame, tx, ty, tz)
		}
	}

	refPose, _ := db.Pose(refPoseID)
	for _, o := range db.Observations(refPoseID) {
		pt, ok := db.ObjectPoint(o.ObjectPointID)
		if !ok || !pt.Valid || pt.Position == nil {
			continue
		}
		ray := observationRay(refPose.WorldTCamera, pt.Position)
		dir, _ := cam.Ray(o.ImagePoint)
		camRay := normalize3([3]float64{dir.AtVec(0), dir.AtVec(1), dir.AtVec(2)})

		// With the reference pose at identity, the world bearing and the
		// camera-space ray coincide.
		cosAngle := dot3(ray, camRay)
		angle := math.Acos(clamp(cosAngle, -1, 1))
		if angle > 1e-4 {
			t.Errorf("point %d: direction mismatch from observation ray, angle=%v rad", o.ObjectPointID, angle)
		}
	}
}
