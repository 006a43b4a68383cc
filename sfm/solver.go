// Package sfm implements Solver3 (spec.md §4.5, component C5): bootstrap,
// per-frame pose recovery, pose-sequence propagation, the three bundle
// adjustment variants, camera-motion classification, the rotational-only
// rewrite, and database sanitation. Grounded throughout on
// original_source/impl/ocean/tracking/Solver3.{h,cpp} for the operation
// catalogue, with the actual optimization work delegated to package
// provider (C3) over package lmsolver (C2).
package sfm

import (
	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/internal/workerpool"
	"github.com/nmichlo/sfmgo/robustweight"
	"github.com/nmichlo/sfmgo/sfmdb"
)

// StereoRecoverer recovers a relative pose between two keyframes from
// their shared 2D correspondences (spec.md §4.5.1 step 5's "external
// routine"). This is a non-goal of sfmgo itself (SPEC_FULL.md §2/§9:
// P3P/homography/stereo primitives are deliberately out of scope) — the
// caller supplies a concrete implementation.
type StereoRecoverer interface {
	RecoverStereoPose(correspondencesA, correspondencesB [][2]float64) (worldTCameraB *mat.Dense, points []mat.VecDense, ok bool)
}

// PoseRecoverer solves P3P-RANSAC for a single frame given 3D-2D
// correspondences (spec.md §4.5.2 step 1's external routine); also a
// non-goal collaborator.
type PoseRecoverer interface {
	RecoverPose(objectPoints []mat.VecDense, imagePoints [][2]float64, iterations int, sqrErrThreshold float64, minSamples int) (worldTCamera *mat.Dense, inliers []int, ok bool)
}

// ThresholdPolicy is the relative-threshold policy for the minimum
// surviving point count during bootstrap propagation (spec.md §4.5.1).
type ThresholdPolicy struct {
	LowerBound int
	Factor     float64
	UpperBound int
}

// Threshold evaluates the policy against a starting point count.
func (p ThresholdPolicy) Threshold(startCount int) int {
	t := int(float64(startCount) * p.Factor)
	if t < p.LowerBound {
		t = p.LowerBound
	}
	if p.UpperBound > 0 && t > p.UpperBound {
		t = p.UpperBound
	}
	return t
}

// SolverOptions collects every tunable threshold spec.md §4.5 names.
type SolverOptions struct {
	MaxStaticRatio      float64
	MaxKeyframes        int
	MinKeyframes         int
	RansacIterations    int
	RansacSqrErr        float64
	RansacMinSamples    int
	MinCorrespondenceRatio float64
	MaxRobustErr        float64
	MinObservations     int
	MinBaseline         float64
	Estimator           robustweight.Estimator

	// RotationAngleThresholds / TranslationAngleThresholds are the
	// {tiny, moderate, significant} degree cutoffs from spec.md §4.5.5.
	RotationAngleThresholds    [3]float64 // degrees: 0.25, 5, 10
	TranslationAngleThresholds [3]float64 // degrees: 0.15, 1, 5
}

// DefaultSolverOptions returns default values for every field except
// RansacSqrErr, which is left at zero for the caller to fill in.
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{
		MaxStaticRatio:         0.5,
		MaxKeyframes:           12,
		MinKeyframes:           3,
		RansacIterations:       50,
		RansacMinSamples:       5,
		MinCorrespondenceRatio: 0.6,
		MaxRobustErr:           4.0,
		MinObservations:        2,
		MinBaseline:            0.05,
		Estimator:              robustweight.Huber,
		RotationAngleThresholds:    [3]float64{0.25, 5, 10},
		TranslationAngleThresholds: [3]float64{0.15, 1, 5},
	}
}

// Solver3 orchestrates the whole SfM pipeline over a sfmdb.Database and
// sfmdb.Camera, exactly as original_source's Solver3 class does, but built
// from explicit Go collaborators instead of member pointers into a
// monolithic tracking graph.
type Solver3 struct {
	DB       sfmdb.Database
	Camera   sfmdb.Camera
	Pool     *workerpool.Pool
	Options  SolverOptions
	Stereo   StereoRecoverer
	PoseRec  PoseRecoverer

	stats Solver3Statistics
}

// NewSolver3 constructs a solver. pool may be nil, in which case a
// single-worker pool is used (sequential execution).
func NewSolver3(db sfmdb.Database, camera sfmdb.Camera, pool *workerpool.Pool, opts SolverOptions) *Solver3 {
	if pool == nil {
		pool = workerpool.New(1)
	}
	return &Solver3{DB: db, Camera: camera, Pool: pool, Options: opts}
}

// Solver3Statistics is a read-only observability accessor supplementing
// spec.md from original_source/impl/ocean/tracking/Solver3.h. Callers
// never alter it. The solver updates only LastBundleError (on each
// successful bundle adjustment); ValidPoseCount and ValidPointCount are not
// updated by any solver method and stay zero.
type Solver3Statistics struct {
	ValidPoseCount  int
	ValidPointCount int
	LastBundleError float64
}

// Statistics returns a copy of the solver's current statistics.
func (s *Solver3) Statistics() Solver3Statistics {
	return s.stats
}
