package sfm

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// cameraSpaceZ returns the z-coordinate of point under pose, i.e. the
// depth a positive value means "in front of the camera".
func cameraSpaceZ(worldTCamera *mat.Dense, point *mat.VecDense) float64 {
	homog := mat.NewVecDense(4, []float64{point.AtVec(0), point.AtVec(1), point.AtVec(2), 1})
	var camHomog mat.VecDense
	camHomog.MulVec(worldTCamera, homog)
	return camHomog.AtVec(2)
}

// RemoveObjectPointsNotInFrontOfCamera implements spec.md §4.5.7's first
// sanitation rule: any point whose triangulated position lands behind any
// of its observing cameras over [lo, up) is invalidated. Returns the
// number of points removed.
func (s *Solver3) RemoveObjectPointsNotInFrontOfCamera(lo, up uint32, objectPointIDs []uint32) int {
	removed := 0
	for _, id := range objectPointIDs {
		pt, ok := s.DB.ObjectPoint(id)
		if !ok || !pt.Valid || pt.Position == nil {
			continue
		}
		for _, o := range s.DB.ObservationsOfPointInRange(id, lo, up) {
			pose, ok := s.DB.Pose(o.PoseID)
			if !ok || !pose.Valid {
				continue
			}
			if cameraSpaceZ(pose.WorldTCamera, pt.Position) <= 0 {
				s.DB.InvalidateObjectPoint(id)
				removed++
				break
			}
		}
	}
	return removed
}

// RemoveObjectPointsWithFewObservations implements spec.md §4.5.7's
// second sanitation rule: any point with fewer than minObservations
// observations over [lo, up) is invalidated.
func (s *Solver3) RemoveObjectPointsWithFewObservations(lo, up uint32, objectPointIDs []uint32, minObservations int) int {
	removed := 0
	for _, id := range objectPointIDs {
		pt, ok := s.DB.ObjectPoint(id)
		if !ok || !pt.Valid {
			continue
		}
		if len(s.DB.ObservationsOfPointInRange(id, lo, up)) < minObservations {
			s.DB.InvalidateObjectPoint(id)
			removed++
		}
	}
	return removed
}

// RemoveObjectPointsWithSmallBaseline implements spec.md §4.5.7's third
// sanitation rule: any point whose observing-camera translations lie in a
// bounding box of diagonal smaller than s.Options.MinBaseline is
// invalidated (insufficient parallax to trust the triangulation).
func (s *Solver3) RemoveObjectPointsWithSmallBaseline(lo, up uint32, objectPointIDs []uint32) int {
	removed := 0
	for _, id := range objectPointIDs {
		pt, ok := s.DB.ObjectPoint(id)
		if !ok || !pt.Valid {
			continue
		}

		var minT, maxT [3]float64
		have := false
		for _, o := range s.DB.ObservationsOfPointInRange(id, lo, up) {
			pose, ok := s.DB.Pose(o.PoseID)
			if !ok || !pose.Valid {
				continue
			}
			t := [3]float64{pose.WorldTCamera.At(0, 3), pose.WorldTCamera.At(1, 3), pose.WorldTCamera.At(2, 3)}
			if !have {
				minT, maxT = t, t
				have = true
				continue
			}
			for a := 0; a < 3; a++ {
				if t[a] < minT[a] {
					minT[a] = t[a]
				}
				if t[a] > maxT[a] {
					maxT[a] = t[a]
				}
			}
		}
		if !have {
			continue
		}

		diag := math.Sqrt(
			(maxT[0]-minT[0])*(maxT[0]-minT[0]) +
				(maxT[1]-minT[1])*(maxT[1]-minT[1]) +
				(maxT[2]-minT[2])*(maxT[2]-minT[2]),
		)
		if diag < s.Options.MinBaseline {
			s.DB.InvalidateObjectPoint(id)
			removed++
		}
	}
	return removed
}
