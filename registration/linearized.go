package registration

import "gonum.org/v1/gonum/mat"

// LinearizedSystem is the local quadratic approximation of a two-pose matching
// cost around a linearization point: per-variable 6x6 Hessian blocks, the 6x6
// cross block, the two 6-gradients, and the scalar error. Perturbations are
// ordered rotation first (three generators), then translation.
type LinearizedSystem struct {
	HTarget       *mat.Dense
	HSource       *mat.Dense
	HTargetSource *mat.Dense
	BTarget       *mat.VecDense
	BSource       *mat.VecDense
	Error         float64
}

// NewLinearizedSystem returns a zeroed system.
func NewLinearizedSystem() *LinearizedSystem {
	return &LinearizedSystem{
		HTarget:       mat.NewDense(6, 6, nil),
		HSource:       mat.NewDense(6, 6, nil),
		HTargetSource: mat.NewDense(6, 6, nil),
		BTarget:       mat.NewVecDense(6, nil),
		BSource:       mat.NewVecDense(6, nil),
	}
}

// Add accumulates another system into s.
func (s *LinearizedSystem) Add(o *LinearizedSystem) {
	s.HTarget.Add(s.HTarget, o.HTarget)
	s.HSource.Add(s.HSource, o.HSource)
	s.HTargetSource.Add(s.HTargetSource, o.HTargetSource)
	s.BTarget.AddVec(s.BTarget, o.BTarget)
	s.BSource.AddVec(s.BSource, o.BSource)
	s.Error += o.Error
}
