// Package factor adapts registration cost evaluators to the contract a
// nonlinear pose-graph optimizer consumes: factors bound to pose variables
// that report a scalar error and linearize into quadratic (Gaussian) factors.
package factor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/scanmatch/pose"
	"go.viam.com/scanmatch/registration"
)

// Key identifies a pose variable in the optimizer's value storage.
type Key uint64

// Values binds pose variables for an evaluation.
type Values map[Key]pose.Pose

// Pose looks up a bound variable.
func (v Values) Pose(k Key) (pose.Pose, error) {
	p, ok := v[k]
	if !ok {
		return pose.Identity(), errors.Errorf("no value bound for variable %d", k)
	}
	return p, nil
}

// Factor is the optimizer-facing cost contract.
type Factor interface {
	// Keys returns the variables the factor constrains, target first when both
	// are free.
	Keys() []Key

	// Error returns the scalar cost at the given variable bindings.
	Error(values Values) (float64, error)

	// Linearize returns the local quadratic approximation at the given
	// variable bindings.
	Linearize(values Values) (*GaussianFactor, error)

	// Clone returns an independent copy sharing the immutable frames and
	// search index but no mutable caches.
	Clone() Factor
}

// GaussianFactor is a quadratic factor over the stacked pose perturbations of
// its keys: minimizing 0.5·xᵀHx − xᵀb steps toward lower error. Perturbations
// per key are ordered rotation first, then translation.
type GaussianFactor struct {
	Keys  []Key
	H     *mat.SymDense
	B     *mat.VecDense
	Error float64
}

// newBinaryGaussianFactor assembles the solver-convention block layout
// [[H_t, H_ts], [H_tsᵀ, H_s]] from a linearized system.
func newBinaryGaussianFactor(targetKey, sourceKey Key, sys *registration.LinearizedSystem) *GaussianFactor {
	h := mat.NewSymDense(12, nil)
	b := mat.NewVecDense(12, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			h.SetSym(i, j, sys.HTarget.At(i, j))
			h.SetSym(6+i, 6+j, sys.HSource.At(i, j))
		}
		for j := 0; j < 6; j++ {
			h.SetSym(i, 6+j, sys.HTargetSource.At(i, j))
		}
		b.SetVec(i, sys.BTarget.AtVec(i))
		b.SetVec(6+i, sys.BSource.AtVec(i))
	}
	return &GaussianFactor{
		Keys:  []Key{targetKey, sourceKey},
		H:     h,
		B:     b,
		Error: sys.Error,
	}
}

// newUnaryGaussianFactor keeps only the free (source) variable's blocks.
func newUnaryGaussianFactor(sourceKey Key, sys *registration.LinearizedSystem) *GaussianFactor {
	h := mat.NewSymDense(6, nil)
	b := mat.NewVecDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			h.SetSym(i, j, sys.HSource.At(i, j))
		}
		b.SetVec(i, sys.BSource.AtVec(i))
	}
	return &GaussianFactor{
		Keys:  []Key{sourceKey},
		H:     h,
		B:     b,
		Error: sys.Error,
	}
}

// poseCacheTolerance decides whether an error request matches the pose of a
// cached result.
const poseCacheTolerance = 1e-12
