package lmsolver

import (
	"github.com/nmichlo/sfmgo/robustweight"
	"gonum.org/v1/gonum/mat"
)

// AdvancedProvider is the capability set for the "advanced"/sparse driver
// variant, where the provider owns the Hessian and solves the damped system
// itself (spec.md §4.2: "sparse/advanced variant where the provider owns the
// normal equations"). The provider is expected to cache the Hessian's
// original diagonal internally so SolveWithLambda can re-apply λ several
// times per outer step without recomputing the Jacobian (spec.md §4.2).
type AdvancedProvider interface {
	// HessianAndErrorJacobian computes H = JᵀJ (or its sparse/blocked
	// equivalent) and g = Jᵀr for the current parameter state.
	HessianAndErrorJacobian() (ok bool)

	// Error returns the current robust error under the given estimator.
	Error(estimator robustweight.Estimator) float64

	// SolveWithLambda solves the λ-damped system for delta, writing the
	// result into delta. The provider re-applies λ to its cached diagonal
	// rather than recomputing H from scratch.
	SolveWithLambda(delta *mat.VecDense, lambda float64) bool

	// ApplyCorrection and AcceptCorrection behave as in Provider.
	ApplyCorrection(delta *mat.VecDense)
	AcceptCorrection()

	// ParamCount is the dimension of the parameter vector, used for the
	// convergence check.
	ParamCount() int
}

// AdvancedOptimize runs the advanced/sparse LM loop, delegating normal
// equation assembly and solving entirely to the provider (spec.md §4.2
// "sparse variant"). The outer/inner loop shape and λ schedule mirror
// DenseOptimize exactly; only who builds/solves the linear system differs.
func AdvancedOptimize(p AdvancedProvider, opts Options) (Result, bool) {
	lambda := opts.Lambda
	errBest := p.Error(opts.Estimator)

	succeeded := false
	iterationsRun := 0

	for i := 0; i < opts.Iterations; i++ {
		if stopper, ok := p.(EarlyStopper); ok && stopper.ShouldStop() {
			break
		}

		if !p.HessianAndErrorJacobian() {
			break
		}

		accepted := false
		for remaining := opts.Iterations - i; remaining > 0; remaining-- {
			delta := mat.NewVecDense(p.ParamCount(), nil)
			if !p.SolveWithLambda(delta, lambda) {
				lambda *= lambdaFactorOrDefault(opts.LambdaFactor)
				if lambda > lambdaMax {
					return Result{Error: errBest, Iterations: iterationsRun}, succeeded
				}
				continue
			}

			if normOverDim(delta) < convergenceEpsilon {
				return Result{Error: errBest, Iterations: iterationsRun}, succeeded
			}

			p.ApplyCorrection(delta)
			errNew := p.Error(opts.Estimator)

			if errNew >= errBest {
				lambda *= lambdaFactorOrDefault(opts.LambdaFactor)
				if lambda > lambdaMax {
					return Result{Error: errBest, Iterations: iterationsRun}, succeeded
				}
				continue
			}

			errBest = errNew
			p.AcceptCorrection()
			if opts.LambdaFactor != 0 && lambda > convergenceEpsilon {
				lambda /= opts.LambdaFactor
			}
			succeeded = true
			accepted = true
			iterationsRun++
			break
		}

		if !accepted {
			break
		}
	}

	return Result{Error: errBest, Iterations: iterationsRun}, succeeded
}
