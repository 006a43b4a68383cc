// Package robustmath holds small numerical helpers shared by sfmgo's
// higher-level packages that don't belong to any one of them.
package robustmath

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// GreedyMatch performs greedy minimum-distance matching over a distance
// matrix: repeatedly finds the global minimum, accepts it as a match if
// below threshold, then invalidates its row and column so no index is
// reused. Adapted from the teacher's root-level MatchDetectionsAndObjects
// (matching.go), generalized from Detection/TrackedObject types to a bare
// *mat.Dense so meshtrack.MeshObject.MergeTriangleCorrespondences can reuse
// it for duplicate-point suppression instead of detection-to-track matching.
func GreedyMatch(distanceMatrix *mat.Dense, threshold float64) (rowIdx, colIdx []int) {
	rows, cols := distanceMatrix.Dims()
	if rows == 0 || cols == 0 {
		return nil, nil
	}

	work := mat.DenseCopyOf(distanceMatrix)
	invalid := threshold + 1.0

	for {
		r, c, min := argMin(work)
		if min >= threshold {
			break
		}
		rowIdx = append(rowIdx, r)
		colIdx = append(colIdx, c)

		for j := 0; j < cols; j++ {
			work.Set(r, j, invalid)
		}
		for i := 0; i < rows; i++ {
			work.Set(i, c, invalid)
		}
	}
	return rowIdx, colIdx
}

func argMin(m *mat.Dense) (row, col int, val float64) {
	rows, cols := m.Dims()
	val = math.Inf(1)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if v < val {
				val = v
				row, col = i, j
			}
		}
	}
	return row, col, val
}
