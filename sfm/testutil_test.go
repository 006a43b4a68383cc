package sfm

import (
	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/sfmdb"
)

// fakeDB is a minimal in-memory sfmdb.Database, mirroring obsindex's test
// fake, used across this package's tests so each test only has to seed
// poses/points/observations.
type fakeDB struct {
	points map[uint32]sfmdb.ObjectPoint
	poses  map[uint32]sfmdb.CameraPose
	obs    map[uint32][]sfmdb.Observation
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		points: make(map[uint32]sfmdb.ObjectPoint),
		poses:  make(map[uint32]sfmdb.CameraPose),
		obs:    make(map[uint32][]sfmdb.Observation),
	}
}

func (f *fakeDB) Observations(poseID uint32) []sfmdb.Observation { return f.obs[poseID] }

func (f *fakeDB) ObservationsOfPointInRange(pointID uint32, loPose, upPose uint32) []sfmdb.Observation {
	var out []sfmdb.Observation
	for poseID := loPose; poseID < upPose; poseID++ {
		for _, o := range f.obs[poseID] {
			if o.ObjectPointID == pointID {
				out = append(out, o)
			}
		}
	}
	return out
}

func (f *fakeDB) ObjectPoint(id uint32) (sfmdb.ObjectPoint, bool) {
	p, ok := f.points[id]
	return p, ok
}

func (f *fakeDB) ObjectPointIDsInRange(loPose, upPose uint32) []uint32 {
	seen := make(map[uint32]bool)
	for poseID := loPose; poseID < upPose; poseID++ {
		for _, o := range f.obs[poseID] {
			seen[o.ObjectPointID] = true
		}
	}
	var ids []uint32
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeDB) SetObjectPointPosition(id uint32, pos *mat.VecDense) {
	p := f.points[id]
	p.ID = id
	p.Position = pos
	p.Valid = true
	f.points[id] = p
}

func (f *fakeDB) InvalidateObjectPoint(id uint32) {
	p := f.points[id]
	p.Valid = false
	f.points[id] = p
}

func (f *fakeDB) Pose(id uint32) (sfmdb.CameraPose, bool) {
	p, ok := f.poses[id]
	return p, ok
}

func (f *fakeDB) PosesInRange(lo, up uint32) []sfmdb.CameraPose {
	var out []sfmdb.CameraPose
	for id := lo; id < up; id++ {
		if p, ok := f.poses[id]; ok && p.Valid {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeDB) SetPose(id uint32, worldTCamera *mat.Dense) {
	f.poses[id] = sfmdb.CameraPose{ID: id, WorldTCamera: worldTCamera, Valid: true}
}

func (f *fakeDB) InvalidatePose(id uint32) {
	p := f.poses[id]
	p.Valid = false
	f.poses[id] = p
}

// fakeCamera is a pinhole camera with no distortion, enough to exercise
// Project/Ray round-trips in tests without pulling in the provider
// package's full Brown-Conrady model.
type fakeCamera struct {
	intr sfmdb.CameraIntrinsics
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{intr: sfmdb.CameraIntrinsics{
		FocalX: 500, FocalY: 500,
		PrincipalX: 320, PrincipalY: 240,
		Width: 640, Height: 480,
	}}
}

func (c *fakeCamera) Project(worldTCamera *mat.Dense, objectPoint *mat.VecDense) ([2]float64, bool) {
	homog := mat.NewVecDense(4, []float64{objectPoint.AtVec(0), objectPoint.AtVec(1), objectPoint.AtVec(2), 1})
	var cam mat.VecDense
	cam.MulVec(worldTCamera, homog)
	z := cam.AtVec(2)
	if z <= 1e-9 {
		return [2]float64{}, false
	}
	x := c.intr.FocalX*cam.AtVec(0)/z + c.intr.PrincipalX
	y := c.intr.FocalY*cam.AtVec(1)/z + c.intr.PrincipalY
	return [2]float64{x, y}, true
}

func (c *fakeCamera) Ray(pixel [2]float64) (*mat.VecDense, bool) {
	x := (pixel[0] - c.intr.PrincipalX) / c.intr.FocalX
	y := (pixel[1] - c.intr.PrincipalY) / c.intr.FocalY
	return mat.NewVecDense(3, []float64{x, y, 1}), true
}

func (c *fakeCamera) Intrinsics() sfmdb.CameraIntrinsics   { return c.intr }
func (c *fakeCamera) SetIntrinsics(i sfmdb.CameraIntrinsics) { c.intr = i }

func identityPoseAt(id uint32, tx, ty, tz float64) sfmdb.CameraPose {
	T := mat.NewDense(4, 4, []float64{
		1, 0, 0, tx,
		0, 1, 0, ty,
		0, 0, 1, tz,
		0, 0, 0, 1,
	})
	return sfmdb.CameraPose{ID: id, WorldTCamera: T, Valid: true}
}

func rotatedPoseAt(id uint32, R *mat.Dense, t [3]float64) sfmdb.CameraPose {
	T := mat.NewDense(4, 4, nil)
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			T.Set(a, b, R.At(a, b))
		}
		T.Set(a, 3, t[a])
	}
	T.Set(3, 3, 1)
	return sfmdb.CameraPose{ID: id, WorldTCamera: T, Valid: true}
}
