package sfm

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/nmichlo/sfmgo/sfmdb"
)

// DetermineCameraMotion classifies the camera motion over [lo, up)
// (spec.md §4.5.5): a translation-observation angle derived from
// per-point observation-ray spread, and a rotation angle derived from
// per-pose axis-direction spread, each binned into Tiny/Moderate/
// Significant and combined into a sfmdb.CameraMotionClass bit-set.
func (s *Solver3) DetermineCameraMotion(lo, up uint32, objectPointIDs []uint32) sfmdb.CameraMotionClass {
	translationAngleDeg := s.translationObservationAngle(lo, up, objectPointIDs)
	rotationAngleDeg := s.rotationAngle(lo, up)

	class := sfmdb.Static
	class |= binAngle(translationAngleDeg, s.Options.TranslationAngleThresholds, sfmdb.TranslationalTiny, sfmdb.TranslationalModerate, sfmdb.TranslationalSignificant)
	class |= binAngle(rotationAngleDeg, s.Options.RotationAngleThresholds, sfmdb.RotationalTiny, sfmdb.RotationalModerate, sfmdb.RotationalSignificant)
	return class
}

func binAngle(angleDeg float64, thresholds [3]float64, tiny, moderate, significant sfmdb.CameraMotionClass) sfmdb.CameraMotionClass {
	switch {
	case angleDeg >= thresholds[2]:
		return significant
	case angleDeg >= thresholds[1]:
		return moderate
	case angleDeg >= thresholds[0]:
		return tiny
	default:
		return 0
	}
}

// translationObservationAngle implements spec.md §4.5.5 steps 1-2: for
// each object point, compute the minimal absolute cosine between the mean
// observation ray and each individual observation ray, convert to an
// angle, then take the 5th-percentile angle across points.
func (s *Solver3) translationObservationAngle(lo, up uint32, objectPointIDs []uint32) float64 {
	var angles []float64

	for _, pointID := range objectPointIDs {
		pt, ok := s.DB.ObjectPoint(pointID)
		if !ok || !pt.Valid || pt.Position == nil {
			continue
		}
		obs := s.DB.ObservationsOfPointInRange(pointID, lo, up)
		if len(obs) < 2 {
			continue
		}

		rays := make([][3]float64, 0, len(obs))
		for _, o := range obs {
			pose, ok := s.DB.Pose(o.PoseID)
			if !ok || !pose.Valid {
				continue
			}
			ray := observationRay(pose.WorldTCamera, pt.Position)
			rays = append(rays, ray)
		}
		if len(rays) < 2 {
			continue
		}

		mean := meanDirection(rays)
		minAbsCos := 1.0
		for _, r := range rays {
			c := math.Abs(dot3(mean, r))
			if c < minAbsCos {
				minAbsCos = c
			}
		}
		angles = append(angles, math.Acos(clamp(minAbsCos, -1, 1))*180/math.Pi)
	}

	if len(angles) == 0 {
		return 0
	}
	sort.Float64s(angles)
	return stat.Quantile(0.05, stat.Empirical, angles, nil)
}

// rotationAngle implements spec.md §4.5.5 step 3: for the pose sequence,
// the median cosine of each coordinate axis direction against its mean
// direction across poses, converted to an angle.
func (s *Solver3) rotationAngle(lo, up uint32) float64 {
	poses := s.DB.PosesInRange(lo, up)
	if len(poses) < 2 {
		return 0
	}

	var axisCosines []float64
	for axis := 0; axis < 3; axis++ {
		dirs := make([][3]float64, 0, len(poses))
		for _, pose := range poses {
			dirs = append(dirs, columnDirection(pose.WorldTCamera, axis))
		}
		mean := meanDirection(dirs)
		cosines := make([]float64, len(dirs))
		for i, d := range dirs {
			cosines[i] = math.Abs(dot3(mean, d))
		}
		sort.Float64s(cosines)
		axisCosines = append(axisCosines, medianSorted(cosines))
	}

	sort.Float64s(axisCosines)
	medianCos := medianSorted(axisCosines)
	return math.Acos(clamp(medianCos, -1, 1)) * 180 / math.Pi
}

func medianSorted(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

// cameraCenterWorld recovers a pose's camera center in world coordinates:
// camPoint = R*worldPoint + t places the camera center at the worldPoint
// solving R*C + t = 0, i.e. C = -Rᵀt.
func cameraCenterWorld(worldTCamera *mat.Dense) [3]float64 {
	t := [3]float64{worldTCamera.At(0, 3), worldTCamera.At(1, 3), worldTCamera.At(2, 3)}
	var c [3]float64
	for r := 0; r < 3; r++ {
		var sum float64
		for k := 0; k < 3; k++ {
			sum += worldTCamera.At(k, r) * t[k]
		}
		c[r] = -sum
	}
	return c
}

// observationRay returns the world-frame bearing from pose's camera
// center to point. Using the world frame (rather than the camera-space
// ray) is what makes this spread invariant to pure rotation about a fixed
// camera center: only a genuine change in camera center (translation)
// moves the bearing to a fixed world point.
func observationRay(worldTCamera *mat.Dense, point *mat.VecDense) [3]float64 {
	center := cameraCenterWorld(worldTCamera)
	p := [3]float64{point.AtVec(0), point.AtVec(1), point.AtVec(2)}
	return normalize3([3]float64{p[0] - center[0], p[1] - center[1], p[2] - center[2]})
}

func clamp(v, lo, up float64) float64 {
	if v < lo {
		return lo
	}
	if v > up {
		return up
	}
	return v
}

func dot3(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func meanDirection(vs [][3]float64) [3]float64 {
	var sum [3]float64
	for _, v := range vs {
		sum[0] += v[0]
		sum[1] += v[1]
		sum[2] += v[2]
	}
	n := float64(len(vs))
	mean := [3]float64{sum[0] / n, sum[1] / n, sum[2] / n}
	return normalize3(mean)
}

func normalize3(v [3]float64) [3]float64 {
	norm := math.Sqrt(dot3(v, v))
	if norm < 1e-12 {
		return v
	}
	return [3]float64{v[0] / norm, v[1] / norm, v[2] / norm}
}

// columnDirection extracts rotation-matrix column axis (0, 1, or 2) from
// pose's upper-left 3x3 block and normalizes it.
func columnDirection(worldTCamera *mat.Dense, axis int) [3]float64 {
	return normalize3([3]float64{
		worldTCamera.At(0, axis),
		worldTCamera.At(1, axis),
		worldTCamera.At(2, axis),
	})
}
