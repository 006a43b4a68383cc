// Package obsindex builds the two dual observation layouts spec.md §4.4
// (component C4) names — per-point and per-pose correspondence groups —
// plus the minimal-keyframe-subset selector used to bound bundle
// adjustment to a tractable pose count.
package obsindex

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/internal/scipy"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// Correspondence is one (surviving-pose-index, pixel) pair within an
// ObjectPointGroup. PoseIndex refers to a position in the survivingPoseIDs
// slice ObjectPointGroups returns alongside the groups, never to a raw
// pose id (spec.md §4.4 invariant).
type Correspondence struct {
	PoseIndex  int
	ImagePoint [2]float64
}

// ObjectPointGroup collects every surviving observation of a single
// object point (spec.md §4.4 "ObjectPointGroupsAccessor").
type ObjectPointGroup struct {
	ObjectPointID   uint32
	Correspondences []Correspondence
}

// ObjectPointGroups builds one group per requested object point, keeping
// only observations at a requested pose whose point position is currently
// valid, and dropping groups with fewer than minObservations surviving
// correspondences (spec.md §4.4 steps 1-3). survivingPoseIDs is the set of
// pose ids that contributed at least one correspondence to any returned
// group, in ascending id order; Correspondence.PoseIndex indexes into it.
func ObjectPointGroups(db sfmdb.Database, poseIDs, objectPointIDs []uint32, minObservations int) (groups []ObjectPointGroup, survivingPoseIDs []uint32) {
	sortedPoseIDs := append([]uint32(nil), poseIDs...)
	sort.Slice(sortedPoseIDs, func(i, j int) bool { return sortedPoseIDs[i] < sortedPoseIDs[j] })

	type rawCorrespondence struct {
		poseID     uint32
		imagePoint [2]float64
	}
	perPoint := make(map[uint32][]rawCorrespondence)
	usedPose := make(map[uint32]bool)

	for _, pid := range objectPointIDs {
		pt, ok := db.ObjectPoint(pid)
		if !ok || !pt.Valid || pt.Position == nil {
			continue
		}
		for _, poseID := range sortedPoseIDs {
			pose, ok := db.Pose(poseID)
			if !ok || !pose.Valid {
				continue
			}
			for _, obs := range db.Observations(poseID) {
				if obs.ObjectPointID != pid {
					continue
				}
				perPoint[pid] = append(perPoint[pid], rawCorrespondence{poseID: poseID, imagePoint: obs.ImagePoint})
				usedPose[poseID] = true
			}
		}
	}

	for _, poseID := range sortedPoseIDs {
		if usedPose[poseID] {
			survivingPoseIDs = append(survivingPoseIDs, poseID)
		}
	}
	poseIndexOf := make(map[uint32]int, len(survivingPoseIDs))
	for i, poseID := range survivingPoseIDs {
		poseIndexOf[poseID] = i
	}

	for _, pid := range objectPointIDs {
		raw := perPoint[pid]
		if len(raw) < minObservations {
			continue
		}
		corrs := make([]Correspondence, len(raw))
		for i, r := range raw {
			corrs[i] = Correspondence{PoseIndex: poseIndexOf[r.poseID], ImagePoint: r.imagePoint}
		}
		groups = append(groups, ObjectPointGroup{ObjectPointID: pid, Correspondences: corrs})
	}
	return groups, survivingPoseIDs
}

// PoseCorrespondence is one (objectPointId, pixel) pair within a
// PoseGroup. Per spec.md §4.4, PoseGroupsAccessor groups reference object
// point ids directly, not indices.
type PoseCorrespondence struct {
	ObjectPointID uint32
	ImagePoint    [2]float64
}

// PoseGroup collects every surviving observation recorded at a single pose
// (spec.md §4.4 "PoseGroupsAccessor").
type PoseGroup struct {
	PoseID          uint32
	Correspondences []PoseCorrespondence
}

// PoseGroups builds one group per requested pose, keeping only
// observations of a requested object point whose position is currently
// valid, and dropping groups with fewer than minObservations surviving
// correspondences. survivingObjectPointIDs is every object point id that
// contributed at least one correspondence, in ascending id order.
func PoseGroups(db sfmdb.Database, poseIDs, objectPointIDs []uint32, minObservations int) (groups []PoseGroup, survivingObjectPointIDs []uint32) {
	validPoints := make(map[uint32]bool)
	for _, pid := range objectPointIDs {
		pt, ok := db.ObjectPoint(pid)
		if ok && pt.Valid && pt.Position != nil {
			validPoints[pid] = true
		}
	}

	usedPoint := make(map[uint32]bool)
	sortedPoseIDs := append([]uint32(nil), poseIDs...)
	sort.Slice(sortedPoseIDs, func(i, j int) bool { return sortedPoseIDs[i] < sortedPoseIDs[j] })

	for _, poseID := range sortedPoseIDs {
		pose, ok := db.Pose(poseID)
		if !ok || !pose.Valid {
			continue
		}
		var corrs []PoseCorrespondence
		for _, obs := range db.Observations(poseID) {
			if !validPoints[obs.ObjectPointID] {
				continue
			}
			corrs = append(corrs, PoseCorrespondence{ObjectPointID: obs.ObjectPointID, ImagePoint: obs.ImagePoint})
			usedPoint[obs.ObjectPointID] = true
		}
		if len(corrs) < minObservations {
			continue
		}
		groups = append(groups, PoseGroup{PoseID: poseID, Correspondences: corrs})
	}

	ids := make([]uint32, 0, len(usedPoint))
	for pid := range usedPoint {
		ids = append(ids, pid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return groups, ids
}

// poseVector6D extracts a crude 6-D spatial descriptor (translation plus a
// rotation-trace proxy) from a 4x4 pose, used only to order candidates by
// spatial succession in SelectKeyframes; it is not a full log-map since
// ordering, not exact geodesic distance, is all the selection needs.
func poseVector6D(worldTCamera *mat.Dense) [6]float64 {
	var v [6]float64
	for i := 0; i < 3; i++ {
		v[i] = worldTCamera.At(i, 3)
	}
	v[3] = worldTCamera.At(0, 0)
	v[4] = worldTCamera.At(1, 1)
	v[5] = worldTCamera.At(2, 2)
	return v
}

func dist6(a, b [6]float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// SelectKeyframes greedily picks a minimal keyframe subset of
// candidatePoseIDs (spec.md §4.4's third variant): starting from the pose
// with the most correspondences, it repeatedly adds the pose that
// contributes the most observations to still-under-threshold points,
// breaking ties via proximity (in 6-D pose space) to the last-selected
// pose, and stops once every point meets minObservationsPerPoint and at
// least minKeyframes poses are selected. Proximity ties are resolved by
// treating the single open "next keyframe" slot and the tied candidates
// as a one-sided assignment problem, solved with
// internal/scipy.LinearSumAssignment (github.com/arthurkushman/go-hungarian).
func SelectKeyframes(db sfmdb.Database, candidatePoseIDs, objectPointIDs []uint32, minObservationsPerPoint, minKeyframes int) []uint32 {
	remaining := make(map[uint32]int, len(objectPointIDs))
	for _, pid := range objectPointIDs {
		remaining[pid] = minObservationsPerPoint
	}

	poseOf := make(map[uint32]*mat.Dense)
	obsOf := make(map[uint32][]sfmdb.Observation)
	for _, poseID := range candidatePoseIDs {
		pose, ok := db.Pose(poseID)
		if !ok || !pose.Valid {
			continue
		}
		poseOf[poseID] = pose.WorldTCamera
		obsOf[poseID] = db.Observations(poseID)
	}
	if len(poseOf) == 0 {
		return nil
	}

	available := make(map[uint32]bool, len(poseOf))
	for poseID := range poseOf {
		available[poseID] = true
	}

	coverageScore := func(poseID uint32) int {
		n := 0
		for _, obs := range obsOf[poseID] {
			if remaining[obs.ObjectPointID] > 0 {
				n++
			}
		}
		return n
	}

	// pickNext picks, among the current candidates, the pose with the
	// highest coverage score; ties are broken by spatial proximity to
	// lastVec via scipy.LinearSumAssignment (lastVec == nil for the very first
	// pick, where coverage alone decides).
	pickNext := func(lastVec *[6]float64) uint32 {
		var candidates []uint32
		for poseID := range available {
			candidates = append(candidates, poseID)
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

		bestScore := -1
		var tied []uint32
		for _, c := range candidates {
			s := coverageScore(c)
			if s > bestScore {
				bestScore = s
				tied = []uint32{c}
			} else if s == bestScore {
				tied = append(tied, c)
			}
		}
		if len(tied) == 1 || lastVec == nil {
			return tied[0]
		}

		costRow := make([][]float64, 1)
		costRow[0] = make([]float64, len(tied))
		for j, c := range tied {
			costRow[0][j] = dist6(*lastVec, poseVector6D(poseOf[c]))
		}
		assignments, _, _ := scipy.LinearSumAssignment(costRow, math.MaxFloat64)
		if len(assignments) > 0 {
			return tied[assignments[0].ColIdx]
		}
		return tied[0]
	}

	applySelection := func(poseID uint32) {
		delete(available, poseID)
		for _, obs := range obsOf[poseID] {
			if remaining[obs.ObjectPointID] > 0 {
				remaining[obs.ObjectPointID]--
			}
		}
	}

	satisfied := func() bool {
		for _, left := range remaining {
			if left > 0 {
				return false
			}
		}
		return true
	}

	var selected []uint32
	first := pickNext(nil)
	applySelection(first)
	selected = append(selected, first)

	for (!satisfied() || len(selected) < minKeyframes) && len(available) > 0 {
		lastVec := poseVector6D(poseOf[selected[len(selected)-1]])
		next := pickNext(&lastVec)
		applySelection(next)
		selected = append(selected, next)
	}

	return selected
}
