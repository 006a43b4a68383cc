package sfm

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// buildPoseRecoveryInputs collects every valid 3D-2D correspondence
// recorded at poseID.
func (s *Solver3) buildPoseRecoveryInputs(poseID uint32) []PoseRecoveryInput {
	var inputs []PoseRecoveryInput
	for _, obs := range s.DB.Observations(poseID) {
		pt, ok := s.DB.ObjectPoint(obs.ObjectPointID)
		if !ok || !pt.Valid || pt.Position == nil {
			continue
		}
		inputs = append(inputs, PoseRecoveryInput{ObjectPoint: *pt.Position, ImagePoint: obs.ImagePoint})
	}
	return inputs
}

// UpdatePoses propagates pose estimates bidirectionally from start across
// [lo, up) (spec.md §4.5.3): each new pose is seeded from its
// already-accepted neighbour. A refined pose whose robust error exceeds
// s.Options.MaxRobustErr is invalidated in the database rather than
// stored. Returns the summed robust error and count of poses accepted.
func (s *Solver3) UpdatePoses(lo, start, up uint32, minCorrespondenceRatio float64) (totalError float64, validCount int) {
	intr := s.Camera.Intrinsics()

	roughPoseFor := func(poseID uint32) *mat.Dense {
		pose, ok := s.DB.Pose(poseID)
		if ok && pose.Valid {
			return pose.WorldTCamera
		}
		return nil
	}

	process := func(poseID uint32, neighborPose *mat.Dense) *mat.Dense {
		inputs := s.buildPoseRecoveryInputs(poseID)
		if len(inputs) == 0 {
			s.DB.InvalidatePose(poseID)
			return nil
		}
		rough := neighborPose
		if rough == nil {
			rough = roughPoseFor(poseID)
		}
		result := s.DeterminePose(intr, inputs, rough, minCorrespondenceRatio)
		if !result.OK || result.RobustError > s.Options.MaxRobustErr {
			s.DB.InvalidatePose(poseID)
			return nil
		}
		s.DB.SetPose(poseID, result.WorldTCamera)
		totalError += result.RobustError
		validCount++
		return result.WorldTCamera
	}

	startPose := process(start, roughPoseFor(start))

	last := startPose
	for id := start + 1; id < up; id++ {
		last = process(id, last)
	}

	last = startPose
	for id := start; id > lo; id-- {
		prev := id - 1
		last = process(prev, last)
	}

	return totalError, validCount
}

// UpdatePosesParallel is the worker-parallel variant of UpdatePoses
// (spec.md §4.5.3 "drops the propagation dependency"): every pose in
// [lo, up) is solved independently from its already-stored rough pose,
// accumulating (totalError, validPoseCount) under a single mutex, as the
// concurrency model (spec.md §5) requires.
func (s *Solver3) UpdatePosesParallel(ctx context.Context, lo, up uint32, minCorrespondenceRatio float64) (totalError float64, validCount int) {
	intr := s.Camera.Intrinsics()
	poseIDs := make([]uint32, 0, up-lo)
	for id := lo; id < up; id++ {
		poseIDs = append(poseIDs, id)
	}

	var mu sync.Mutex
	s.Pool.ExecuteRange(ctx, 0, len(poseIDs), func(subStart, subEnd, worker int) {
		for i := subStart; i < subEnd; i++ {
			poseID := poseIDs[i]
			inputs := s.buildPoseRecoveryInputs(poseID)
			if len(inputs) == 0 {
				s.DB.InvalidatePose(poseID)
				continue
			}
			pose, _ := s.DB.Pose(poseID)
			var rough *mat.Dense
			if pose.Valid {
				rough = pose.WorldTCamera
			}
			result := s.DeterminePose(intr, inputs, rough, minCorrespondenceRatio)

			mu.Lock()
			if !result.OK || result.RobustError > s.Options.MaxRobustErr {
				s.DB.InvalidatePose(poseID)
			} else {
				s.DB.SetPose(poseID, result.WorldTCamera)
				totalError += result.RobustError
				validCount++
			}
			mu.Unlock()
		}
	})

	return totalError, validCount
}
