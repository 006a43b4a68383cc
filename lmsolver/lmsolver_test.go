package lmsolver

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/nmichlo/sfmgo/internal/testutil"
	"github.com/nmichlo/sfmgo/robustweight"
)

// lineFitProvider fits y = a*x + b by minimizing sum((a*x_i+b - y_i)^2),
// a minimal stand-in for the reprojection-residual providers in package
// provider, used here to exercise the driver in isolation.
type lineFitProvider struct {
	xs, ys    []float64
	current   [2]float64 // a, b
	candidate [2]float64
}

func (p *lineFitProvider) residuals(params [2]float64) []float64 {
	r := make([]float64, len(p.xs))
	for i, x := range p.xs {
		r[i] = params[0]*x + params[1] - p.ys[i]
	}
	return r
}

func (p *lineFitProvider) Jacobian() *mat.Dense {
	J := mat.NewDense(len(p.xs), 2, nil)
	for i, x := range p.xs {
		J.Set(i, 0, x)
		J.Set(i, 1, 1)
	}
	return J
}

func (p *lineFitProvider) RobustError(estimator robustweight.Estimator, invCov *mat.Dense) (*mat.VecDense, []float64, float64) {
	r := p.residuals(p.candidate)
	dyn := make([][]float64, len(r))
	for i, v := range r {
		dyn[i] = []float64{v}
	}
	res := robustweight.WeightDyn(estimator, dyn, 2)

	weighted := mat.NewVecDense(len(r), nil)
	for i, v := range r {
		w := 1.0
		if i < len(res.Weights) {
			w = res.Weights[i]
		}
		weighted.SetVec(i, v*math.Sqrt(w))
	}
	return weighted, res.Weights, res.RobustMean
}

func (p *lineFitProvider) ApplyCorrection(delta *mat.VecDense) {
	p.candidate[0] = p.current[0] - delta.AtVec(0)
	p.candidate[1] = p.current[1] - delta.AtVec(1)
}

func (p *lineFitProvider) AcceptCorrection() {
	p.current = p.candidate
}

func newLineFitProvider() *lineFitProvider {
	xs := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = 2*x + 1 // ground truth a=2, b=1
	}
	return &lineFitProvider{xs: xs, ys: ys}
}

func TestDenseOptimizeConvergesToGroundTruth(t *testing.T) {
	p := newLineFitProvider()
	p.candidate = [2]float64{0, 0}
	p.current = [2]float64{0, 0}

	result, ok := DenseOptimize(p, Options{
		Iterations:   25,
		Lambda:       0.01,
		LambdaFactor: 10,
		Estimator:    robustweight.Square,
	})
	if !ok {
		t.Fatalf("expected optimization to succeed")
	}
	testutil.AssertAlmostEqual(t, p.current[0], 2.0, 1e-4, "slope")
	testutil.AssertAlmostEqual(t, p.current[1], 1.0, 1e-4, "intercept")
	testutil.AssertAlmostEqual(t, result.Error, 0.0, 1e-8, "residual error")
}

// TestGaussNewtonInvariance verifies spec.md §8 property 4: passing
// lambda=0, lambdaFactor=1 (Gauss-Newton) never increases error between
// accepted iterations.
func TestGaussNewtonInvariance(t *testing.T) {
	p := newLineFitProvider()
	p.candidate = [2]float64{0.5, 0.5}
	p.current = [2]float64{0.5, 0.5}

	prevErr := math.Inf(1)
	for i := 0; i < 10; i++ {
		result, ok := DenseOptimize(p, Options{
			Iterations:   1,
			Lambda:       0,
			LambdaFactor: 1,
			Estimator:    robustweight.Square,
		})
		if !ok {
			break
		}
		if result.Error > prevErr+1e-9 {
			t.Fatalf("error increased: prev=%v new=%v", prevErr, result.Error)
		}
		prevErr = result.Error
	}
}

// TestIdempotenceUnderConvergence verifies spec.md §8 property 2: after
// DenseOptimize returns at error e, a second Gauss-Newton call returns an
// error within 1e-6 of e and applies zero net parameter change.
func TestIdempotenceUnderConvergence(t *testing.T) {
	p := newLineFitProvider()
	p.candidate = [2]float64{0, 0}
	p.current = [2]float64{0, 0}

	first, ok := DenseOptimize(p, Options{
		Iterations:   25,
		Lambda:       0.01,
		LambdaFactor: 10,
		Estimator:    robustweight.Square,
	})
	if !ok {
		t.Fatalf("expected first optimization to succeed")
	}

	paramsBefore := p.current
	second, _ := DenseOptimize(p, Options{
		Iterations:   25,
		Lambda:       0,
		LambdaFactor: 1,
		Estimator:    robustweight.Square,
	})

	testutil.AssertAlmostEqual(t, second.Error, first.Error, 1e-6, "idempotent error")
	testutil.AssertAlmostEqual(t, p.current[0], paramsBefore[0], 1e-9, "slope unchanged")
	testutil.AssertAlmostEqual(t, p.current[1], paramsBefore[1], 1e-9, "intercept unchanged")
}

func TestDenseOptimizeFailsWithZeroIterations(t *testing.T) {
	p := newLineFitProvider()
	_, ok := DenseOptimize(p, Options{Iterations: 0, LambdaFactor: 10, Estimator: robustweight.Square})
	if ok {
		t.Fatalf("expected failure with zero iterations budget")
	}
}
