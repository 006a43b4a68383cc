package sfm

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/lmsolver"
	"github.com/nmichlo/sfmgo/provider"
)

// BootstrapResult is the output of BootstrapInitialObjectPoints.
type BootstrapResult struct {
	ObjectPointIDs  []uint32
	KeyframePoseIDs []uint32
	OK              bool
}

// pointIDsAt collects every object point id observed at poseID.
func (s *Solver3) pointIDsAt(poseID uint32) []uint32 {
	seen := map[uint32]bool{}
	var ids []uint32
	for _, o := range s.DB.Observations(poseID) {
		if !seen[o.ObjectPointID] {
			seen[o.ObjectPointID] = true
			ids = append(ids, o.ObjectPointID)
		}
	}
	return ids
}

// BootstrapInitialObjectPoints implements spec.md §4.5.1: propagate
// correspondences from start outward across [lo, up) until the surviving
// point count drops below threshold.Threshold(startCount), optionally
// filter perfectly-static points, select up to Options.MaxKeyframes
// keyframes, run a RANSAC stereo+P3P bootstrap via the Stereo/PoseRec
// collaborators, and bundle-adjust the accepted sample.
//
// rng is supplied by the caller (spec.md §5: "the random generator is
// local to each call"), so RANSAC pair selection is reproducible given a
// fixed seed.
func (s *Solver3) BootstrapInitialObjectPoints(rng *rand.Rand, lo, start, up uint32, threshold ThresholdPolicy) BootstrapResult {
	startPoints := s.pointIDsAt(start)
	startCount := len(startPoints)
	if startCount == 0 {
		return BootstrapResult{}
	}
	minCount := threshold.Threshold(startCount)
	if minCount > startCount {
		return BootstrapResult{}
	}

	tracked := make(map[uint32]bool, startCount)
	for _, id := range startPoints {
		tracked[id] = true
	}

	history := make(map[uint32]map[uint32][2]float64, startCount)
	recordFrame := func(poseID uint32) {
		for _, o := range s.DB.Observations(poseID) {
			if !tracked[o.ObjectPointID] {
				continue
			}
			if history[o.ObjectPointID] == nil {
				history[o.ObjectPointID] = map[uint32][2]float64{}
			}
			history[o.ObjectPointID][poseID] = o.ImagePoint
		}
	}
	recordFrame(start)

	includedFrames := map[uint32]bool{start: true}

	propagate := func(ids []uint32) {
		for _, poseID := range ids {
			observedHere := map[uint32]bool{}
			for _, o := range s.DB.Observations(poseID) {
				observedHere[o.ObjectPointID] = true
			}
			survivors := 0
			for id := range tracked {
				if observedHere[id] {
					survivors++
				}
			}
			if survivors < minCount {
				break
			}
			for id := range tracked {
				if !observedHere[id] {
					delete(tracked, id)
				}
			}
			recordFrame(poseID)
			includedFrames[poseID] = true
		}
	}

	var forwardIDs []uint32
	for id := start + 1; id < up; id++ {
		forwardIDs = append(forwardIDs, id)
	}
	propagate(forwardIDs)

	var backwardIDs []uint32
	for id := start; id > lo; id-- {
		backwardIDs = append(backwardIDs, id-1)
	}
	propagate(backwardIDs)

	if len(tracked) < minCount {
		return BootstrapResult{}
	}

	pointIDs := make([]uint32, 0, len(tracked))
	for id := range tracked {
		pointIDs = append(pointIDs, id)
	}
	sort.Slice(pointIDs, func(i, j int) bool { return pointIDs[i] < pointIDs[j] })

	pointIDs = filterPerfectlyStatic(pointIDs, history, s.Options.MaxStaticRatio)

	frames := make([]uint32, 0, len(includedFrames))
	for id := range includedFrames {
		frames = append(frames, id)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })

	keyframes := selectKeyframesBySuccession(frames, pointIDs, history, s.Options.MaxKeyframes)
	if len(keyframes) < 2 || s.Stereo == nil || s.PoseRec == nil {
		return BootstrapResult{}
	}

	best := s.ransacBootstrap(rng, keyframes, pointIDs, history)
	if best == nil {
		return BootstrapResult{}
	}

	return s.bundleAdjustBootstrapSample(best)
}

// filterPerfectlyStatic drops image points whose observed pixel barely
// moves across the propagated range (spec.md §4.5.1 step 3), but only if
// their proportion stays within maxStaticRatio — otherwise the filter is
// skipped entirely (a scene that is mostly static needs those points for
// structure, even though they individually carry little parallax).
func filterPerfectlyStatic(pointIDs []uint32, history map[uint32]map[uint32][2]float64, maxStaticRatio float64) []uint32 {
	const staticPixelEpsilon = 0.5
	static := map[uint32]bool{}
	for _, id := range pointIDs {
		if maxPairwiseDist(history[id]) < staticPixelEpsilon {
			static[id] = true
		}
	}
	if len(static) == 0 {
		return pointIDs
	}
	if float64(len(static))/float64(len(pointIDs)) > maxStaticRatio {
		return pointIDs
	}
	filtered := make([]uint32, 0, len(pointIDs)-len(static))
	for _, id := range pointIDs {
		if !static[id] {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

func maxPairwiseDist(obs map[uint32][2]float64) float64 {
	pts := make([][2]float64, 0, len(obs))
	for _, p := range obs {
		pts = append(pts, p)
	}
	max := 0.0
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			d := math.Hypot(pts[i][0]-pts[j][0], pts[i][1]-pts[j][1])
			if d > max {
				max = d
			}
		}
	}
	return max
}

// selectKeyframesBySuccession implements spec.md §4.5.1 step 4: select up
// to maxKeyframes frames using 2-D succession over cumulative inter-frame
// offsets (the mean tracked-point image position drifts frame to frame;
// keyframes are spread evenly along that cumulative drift), always
// keeping the first and last frame of the propagated range.
func selectKeyframesBySuccession(frames []uint32, pointIDs []uint32, history map[uint32]map[uint32][2]float64, maxKeyframes int) []uint32 {
	if len(frames) == 0 {
		return nil
	}
	if maxKeyframes <= 0 || len(frames) <= maxKeyframes {
		return frames
	}

	frameMean := make(map[uint32][2]float64, len(frames))
	for _, poseID := range frames {
		var sumX, sumY float64
		count := 0
		for _, id := range pointIDs {
			if pt, ok := history[id][poseID]; ok {
				sumX += pt[0]
				sumY += pt[1]
				count++
			}
		}
		if count > 0 {
			frameMean[poseID] = [2]float64{sumX / float64(count), sumY / float64(count)}
		}
	}

	cumulative := make([]float64, len(frames))
	for i := 1; i < len(frames); i++ {
		prev, hasPrev := frameMean[frames[i-1]]
		cur, hasCur := frameMean[frames[i]]
		d := 0.0
		if hasPrev && hasCur {
			d = math.Hypot(cur[0]-prev[0], cur[1]-prev[1])
		}
		cumulative[i] = cumulative[i-1] + d
	}

	selected := make([]uint32, 0, maxKeyframes)
	selected = append(selected, frames[0])
	total := cumulative[len(cumulative)-1]
	if total > 0 {
		for k := 1; k < maxKeyframes-1; k++ {
			target := total * float64(k) / float64(maxKeyframes-1)
			selected = append(selected, frames[nearestCumulativeIndex(cumulative, target)])
		}
	}
	selected = append(selected, frames[len(frames)-1])
	return dedupSortedUint32(selected)
}

func nearestCumulativeIndex(cumulative []float64, target float64) int {
	best := 0
	bestDiff := math.Abs(cumulative[0] - target)
	for i, v := range cumulative {
		if d := math.Abs(v - target); d < bestDiff {
			bestDiff = d
			best = i
		}
	}
	return best
}

func dedupSortedUint32(ids []uint32) []uint32 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	var last uint32
	hasLast := false
	for _, id := range ids {
		if hasLast && id == last {
			continue
		}
		out = append(out, id)
		last = id
		hasLast = true
	}
	return out
}

// bootstrapSample is a candidate RANSAC hypothesis: a set of recovered
// poses and triangulated points over the keyframe subset.
type bootstrapSample struct {
	poses       map[uint32]*mat.Dense
	points      map[uint32]*mat.VecDense
	validPoses  int
	validPoints int
	avgSpread   float64
}

func (b *bootstrapSample) score() (int, float64) {
	return b.validPoses * b.validPoints, b.avgSpread
}

// ransacBootstrap implements spec.md §4.5.1 step 5: pick random keyframe
// pairs, recover their stereo pose, triangulate, incrementally add the
// remaining keyframes via P3P, and keep the sample maximizing
// |validPoses|*|validPoints|, tie-broken by average image-point spread.
func (s *Solver3) ransacBootstrap(rng *rand.Rand, keyframes, pointIDs []uint32, history map[uint32]map[uint32][2]float64) *bootstrapSample {
	pairs := candidatePairs(rng, keyframes, s.Options.RansacIterations)

	var best *bootstrapSample
	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		ids, corrA, corrB := sharedCorrespondences(history, pointIDs, a, b)
		if len(ids) < s.Options.RansacMinSamples {
			continue
		}

		worldTCameraB, triangulated, ok := s.Stereo.RecoverStereoPose(corrA, corrB)
		if !ok || len(triangulated) != len(ids) {
			continue
		}

		poses := map[uint32]*mat.Dense{a: identity4(), b: worldTCameraB}
		points := make(map[uint32]*mat.VecDense, len(ids))
		for i, id := range ids {
			v := triangulated[i]
			points[id] = &v
		}

		for _, kf := range keyframes {
			if kf == a || kf == b {
				continue
			}
			var objPts []mat.VecDense
			var imgPts [][2]float64
			for id, pos := range points {
				if pt, ok := history[id][kf]; ok {
					objPts = append(objPts, *pos)
					imgPts = append(imgPts, pt)
				}
			}
			if len(objPts) < s.Options.RansacMinSamples {
				continue
			}
			worldTCamera, _, ok := s.PoseRec.RecoverPose(objPts, imgPts, s.Options.RansacIterations, s.Options.RansacSqrErr, s.Options.RansacMinSamples)
			if ok {
				poses[kf] = worldTCamera
			}
		}

		cand := &bootstrapSample{
			poses:       poses,
			points:      points,
			validPoses:  len(poses),
			validPoints: len(points),
			avgSpread:   averageSpread2D(corrA),
		}
		if best == nil {
			best = cand
			continue
		}
		candScore, candSpread := cand.score()
		bestScore, bestSpread := best.score()
		if candScore > bestScore || (candScore == bestScore && candSpread > bestSpread) {
			best = cand
		}
	}
	return best
}

func candidatePairs(rng *rand.Rand, keyframes []uint32, iterations int) [][2]uint32 {
	n := len(keyframes)
	if n < 2 {
		return nil
	}
	maxPairs := n * (n - 1) / 2
	if iterations <= 0 || iterations > maxPairs {
		iterations = maxPairs
	}
	seen := map[[2]int]bool{}
	var pairs [][2]uint32
	for len(pairs) < iterations && len(seen) < maxPairs {
		i := rng.Intn(n)
		j := rng.Intn(n)
		if i == j {
			continue
		}
		if i > j {
			i, j = j, i
		}
		key := [2]int{i, j}
		if seen[key] {
			continue
		}
		seen[key] = true
		pairs = append(pairs, [2]uint32{keyframes[i], keyframes[j]})
	}
	return pairs
}

func sharedCorrespondences(history map[uint32]map[uint32][2]float64, pointIDs []uint32, a, b uint32) (ids []uint32, corrA, corrB [][2]float64) {
	for _, id := range pointIDs {
		ptA, okA := history[id][a]
		ptB, okB := history[id][b]
		if okA && okB {
			ids = append(ids, id)
			corrA = append(corrA, ptA)
			corrB = append(corrB, ptB)
		}
	}
	return ids, corrA, corrB
}

func averageSpread2D(pts [][2]float64) float64 {
	if len(pts) < 2 {
		return 0
	}
	var sum float64
	var count int
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			sum += math.Hypot(pts[i][0]-pts[j][0], pts[i][1]-pts[j][1])
			count++
		}
	}
	return sum / float64(count)
}

func identity4() *mat.Dense {
	T := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		T.Set(i, i, 1)
	}
	return T
}

// rotationMatrixToRodrigues is the inverse of the Rodrigues formula,
// recovering an exponential-map rotation vector from a 3x3 rotation
// block of a 4x4 pose so a RANSAC-recovered pose can seed the bundle
// provider's 6-parameter (rotation, translation) layout.
func rotationMatrixToRodrigues(T *mat.Dense) [3]float64 {
	trace := T.At(0, 0) + T.At(1, 1) + T.At(2, 2)
	cosTheta := clamp((trace-1)/2, -1, 1)
	theta := math.Acos(cosTheta)
	if theta < 1e-9 {
		return [3]float64{}
	}
	sinTheta := math.Sin(theta)
	if sinTheta < 1e-9 {
		// theta ~ pi: fall back to the zero vector rather than dividing by
		// a near-zero sinTheta; this degenerate case is rare for
		// incremental keyframe-to-keyframe rotation.
		return [3]float64{}
	}
	axis := [3]float64{
		T.At(2, 1) - T.At(1, 2),
		T.At(0, 2) - T.At(2, 0),
		T.At(1, 0) - T.At(0, 1),
	}
	scale := theta / (2 * sinTheta)
	return [3]float64{axis[0] * scale, axis[1] * scale, axis[2] * scale}
}

// bundleAdjustBootstrapSample implements spec.md §4.5.1 step 6: bundle
// adjust the accepted RANSAC sample via the bundle provider and write the
// optimized poses/points back to the database.
func (s *Solver3) bundleAdjustBootstrapSample(sample *bootstrapSample) BootstrapResult {
	poseIDs := make([]uint32, 0, len(sample.poses))
	for id := range sample.poses {
		poseIDs = append(poseIDs, id)
	}
	sort.Slice(poseIDs, func(i, j int) bool { return poseIDs[i] < poseIDs[j] })

	pointIDs := make([]uint32, 0, len(sample.points))
	for id := range sample.points {
		pointIDs = append(pointIDs, id)
	}
	sort.Slice(pointIDs, func(i, j int) bool { return pointIDs[i] < pointIDs[j] })

	poseIndexOf := make(map[uint32]int, len(poseIDs))
	poses0 := make([][6]float64, len(poseIDs))
	for i, id := range poseIDs {
		poseIndexOf[id] = i
		T := sample.poses[id]
		r := rotationMatrixToRodrigues(T)
		poses0[i] = [6]float64{r[0], r[1], r[2], T.At(0, 3), T.At(1, 3), T.At(2, 3)}
	}

	pointIndexOf := make(map[uint32]int, len(pointIDs))
	points0 := make([][3]float64, len(pointIDs))
	for i, id := range pointIDs {
		pointIndexOf[id] = i
		v := sample.points[id]
		points0[i] = [3]float64{v.AtVec(0), v.AtVec(1), v.AtVec(2)}
	}

	var obs []provider.BundleObservation
	for _, poseID := range poseIDs {
		for _, o := range s.DB.Observations(poseID) {
			if pointIdx, ok := pointIndexOf[o.ObjectPointID]; ok {
				obs = append(obs, provider.BundleObservation{
					PoseIndex:  poseIndexOf[poseID],
					PointIndex: pointIdx,
					Pixel:      o.ImagePoint,
				})
			}
		}
	}
	if len(obs) == 0 {
		return BootstrapResult{}
	}

	intr := s.Camera.Intrinsics()
	p := provider.NewBundleDensePosesAndPointsProvider(intr, obs, poses0, points0)
	_, ok := lmsolver.DenseOptimize(p, lmsolver.Options{
		Iterations: 25, Lambda: 0.01, LambdaFactor: 10, Estimator: s.Options.Estimator,
	})
	if !ok {
		return BootstrapResult{}
	}

	for i, id := range poseIDs {
		s.DB.SetPose(id, p.Pose(i))
	}
	for i, id := range pointIDs {
		pos := p.Point(i)
		s.DB.SetObjectPointPosition(id, mat.NewVecDense(3, pos[:]))
	}

	return BootstrapResult{ObjectPointIDs: pointIDs, KeyframePoseIDs: poseIDs, OK: true}
}
