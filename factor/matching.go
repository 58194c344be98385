package factor

import (
	"github.com/edaniels/golog"

	"go.viam.com/scanmatch/frame"
	"go.viam.com/scanmatch/pose"
	"go.viam.com/scanmatch/registration"
)

// evaluator is the CPU cost-evaluator surface the adapter drives.
type evaluator interface {
	UpdateCorrespondences(delta pose.Pose)
	Evaluate(delta pose.Pose) float64
	Linearize(delta pose.Pose) *registration.LinearizedSystem
}

// MatchingCostFactor adapts a CPU matching-cost evaluator to the optimizer
// factor contract. In binary mode both poses are free variables and the
// evaluated transform is target⁻¹·source; in unary mode the target pose is
// fixed at construction.
//
// Linearize caches its scalar error at the linearization point so an Error
// call at the same bindings consumes the cached value instead of re-reducing;
// the cache is invalidated on consumption.
type MatchingCostFactor struct {
	targetKey   Key
	sourceKey   Key
	fixedTarget pose.Pose
	unary       bool

	eval      evaluator
	cloneEval func() evaluator
	logger    golog.Logger

	hasCached   bool
	cachedPoint pose.Pose
	cachedError float64
}

// NewGICPFactor builds a binary GICP factor between two pose variables. Both
// frames must carry points and covariances; a nil tree builds a k-d tree over
// the target.
func NewGICPFactor(
	targetKey, sourceKey Key,
	target, source frame.Frame,
	tree registration.NearestNeighborSearch,
	cfg registration.Config,
	logger golog.Logger,
) (*MatchingCostFactor, error) {
	f := &MatchingCostFactor{targetKey: targetKey, sourceKey: sourceKey}
	if err := f.initGICP(target, source, tree, cfg, logger); err != nil {
		return nil, err
	}
	return f, nil
}

// NewFixedTargetGICPFactor builds a unary GICP factor whose target pose is
// fixed.
func NewFixedTargetGICPFactor(
	fixedTarget pose.Pose,
	sourceKey Key,
	target, source frame.Frame,
	tree registration.NearestNeighborSearch,
	cfg registration.Config,
	logger golog.Logger,
) (*MatchingCostFactor, error) {
	f := &MatchingCostFactor{sourceKey: sourceKey, fixedTarget: fixedTarget, unary: true}
	if err := f.initGICP(target, source, tree, cfg, logger); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *MatchingCostFactor) initGICP(
	target, source frame.Frame,
	tree registration.NearestNeighborSearch,
	cfg registration.Config,
	logger golog.Logger,
) error {
	ev, err := registration.NewGICPCost(target, source, tree, cfg, logger)
	if err != nil {
		return err
	}
	shared := ev.SearchIndex()
	f.eval = ev
	f.logger = logger
	f.cloneEval = func() evaluator {
		// inputs were validated above, so rebuilding cannot fail.
		c, _ := registration.NewGICPCost(target, source, shared, cfg, logger)
		return c
	}
	return nil
}

// NewColorConsistencyFactor builds a binary photometric factor between two
// pose variables. The target must carry points, normals, intensities, and
// intensity gradients; the source points and intensities. A nil tree builds a
// 4D position+intensity k-d tree over the target.
func NewColorConsistencyFactor(
	targetKey, sourceKey Key,
	target, source frame.Frame,
	tree registration.NearestNeighborSearch,
	cfg registration.Config,
	logger golog.Logger,
) (*MatchingCostFactor, error) {
	f := &MatchingCostFactor{targetKey: targetKey, sourceKey: sourceKey}
	if err := f.initColor(target, source, tree, cfg, logger); err != nil {
		return nil, err
	}
	return f, nil
}

// NewFixedTargetColorConsistencyFactor builds a unary photometric factor
// whose target pose is fixed.
func NewFixedTargetColorConsistencyFactor(
	fixedTarget pose.Pose,
	sourceKey Key,
	target, source frame.Frame,
	tree registration.NearestNeighborSearch,
	cfg registration.Config,
	logger golog.Logger,
) (*MatchingCostFactor, error) {
	f := &MatchingCostFactor{sourceKey: sourceKey, fixedTarget: fixedTarget, unary: true}
	if err := f.initColor(target, source, tree, cfg, logger); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *MatchingCostFactor) initColor(
	target, source frame.Frame,
	tree registration.NearestNeighborSearch,
	cfg registration.Config,
	logger golog.Logger,
) error {
	ev, err := registration.NewColorConsistencyCost(target, source, tree, cfg, logger)
	if err != nil {
		return err
	}
	shared := ev.SearchIndex()
	f.eval = ev
	f.logger = logger
	f.cloneEval = func() evaluator {
		c, _ := registration.NewColorConsistencyCost(target, source, shared, cfg, logger)
		return c
	}
	return nil
}

// Keys returns the constrained variables, target first in binary mode.
func (f *MatchingCostFactor) Keys() []Key {
	if f.unary {
		return []Key{f.sourceKey}
	}
	return []Key{f.targetKey, f.sourceKey}
}

func (f *MatchingCostFactor) delta(values Values) (pose.Pose, error) {
	src, err := values.Pose(f.sourceKey)
	if err != nil {
		return pose.Identity(), err
	}
	if f.unary {
		return pose.Delta(f.fixedTarget, src), nil
	}
	tgt, err := values.Pose(f.targetKey)
	if err != nil {
		return pose.Identity(), err
	}
	return pose.Delta(tgt, src), nil
}

// Error returns the scalar cost at the given bindings, consuming the cached
// linearization result when the evaluation point matches.
func (f *MatchingCostFactor) Error(values Values) (float64, error) {
	delta, err := f.delta(values)
	if err != nil {
		return 0, err
	}
	if f.hasCached && delta.ApproxEqual(f.cachedPoint, poseCacheTolerance) {
		f.hasCached = false
		return f.cachedError, nil
	}
	return f.eval.Evaluate(delta), nil
}

// Linearize refreshes correspondences at the current bindings and returns the
// quadratic factor, caching the scalar error for a following Error call.
func (f *MatchingCostFactor) Linearize(values Values) (*GaussianFactor, error) {
	delta, err := f.delta(values)
	if err != nil {
		return nil, err
	}
	f.eval.UpdateCorrespondences(delta)
	sys := f.eval.Linearize(delta)
	f.hasCached = true
	f.cachedPoint = delta
	f.cachedError = sys.Error
	if f.unary {
		return newUnaryGaussianFactor(f.sourceKey, sys), nil
	}
	return newBinaryGaussianFactor(f.targetKey, f.sourceKey, sys), nil
}

// Clone returns an independent factor in the same binding mode with fresh
// caches.
func (f *MatchingCostFactor) Clone() Factor {
	return &MatchingCostFactor{
		targetKey:   f.targetKey,
		sourceKey:   f.sourceKey,
		fixedTarget: f.fixedTarget,
		unary:       f.unary,
		eval:        f.cloneEval(),
		cloneEval:   f.cloneEval,
		logger:      f.logger,
	}
}
