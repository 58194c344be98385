package factor

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/scanmatch/frame"
	"go.viam.com/scanmatch/pipeline"
	"go.viam.com/scanmatch/pose"
)

// PipelinedGICPFactor adapts the asynchronous single-precision derivative
// pipeline to the factor contract, adding the issue/store/sync protocol so a
// caller can overlap many factors' derivative computations: issue work for a
// batch of factors, sync their shared stream once, then store every result.
//
// Error consumes the result cached by the most recent linearize or stored
// error computation when the evaluation point matches; otherwise it falls back
// to a synchronous recomputation, which stalls the stream and is reported as a
// performance warning.
type PipelinedGICPFactor struct {
	targetKey   Key
	sourceKey   Key
	fixedTarget pose.Pose
	unary       bool

	derivs  *pipeline.GICPDerivatives
	buffers pipeline.BufferPool
	logger  golog.Logger

	// retained construction inputs so Clone can rebuild; frames and the
	// borrowed stream are shared, mutable pipeline state is not.
	target, source frame.Frame
	cfg            pipeline.Config
	stream         pipeline.Stream

	// pending issue state: the pose whose result the next store collects.
	pendingLinPoint  pose.Pose
	pendingEvalPoint pose.Pose
	hasPendingLin    bool
	hasPendingEval   bool

	// last stored linearization point, used as the weight pose for fallback
	// error computations.
	linPoint    pose.Pose
	hasLinPoint bool

	hasCached   bool
	cachedPoint pose.Pose
	cachedError float64
}

// NewPipelinedGICPFactor builds a binary GICP factor on the derivative
// pipeline. A nil stream gives the factor its own serialized stream; a nil
// buffer pool a private pool.
func NewPipelinedGICPFactor(
	targetKey, sourceKey Key,
	target, source frame.Frame,
	cfg pipeline.Config,
	stream pipeline.Stream,
	buffers pipeline.BufferPool,
	logger golog.Logger,
) (*PipelinedGICPFactor, error) {
	f := &PipelinedGICPFactor{targetKey: targetKey, sourceKey: sourceKey}
	if err := f.init(target, source, cfg, stream, buffers, logger); err != nil {
		return nil, err
	}
	return f, nil
}

// NewFixedTargetPipelinedGICPFactor builds the unary (fixed-target) variant.
func NewFixedTargetPipelinedGICPFactor(
	fixedTarget pose.Pose,
	sourceKey Key,
	target, source frame.Frame,
	cfg pipeline.Config,
	stream pipeline.Stream,
	buffers pipeline.BufferPool,
	logger golog.Logger,
) (*PipelinedGICPFactor, error) {
	f := &PipelinedGICPFactor{sourceKey: sourceKey, fixedTarget: fixedTarget, unary: true}
	if err := f.init(target, source, cfg, stream, buffers, logger); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *PipelinedGICPFactor) init(
	target, source frame.Frame,
	cfg pipeline.Config,
	stream pipeline.Stream,
	buffers pipeline.BufferPool,
	logger golog.Logger,
) error {
	if logger == nil {
		logger = golog.Global()
	}
	derivs, err := pipeline.NewGICPDerivatives(target, source, cfg, stream, buffers, logger)
	if err != nil {
		return err
	}
	if buffers == nil {
		buffers = pipeline.NewBufferPool()
	}
	f.derivs = derivs
	f.buffers = buffers
	f.logger = logger
	f.target = target
	f.source = source
	f.cfg = cfg
	f.stream = stream
	return nil
}

// Close releases pipeline resources owned by this factor.
func (f *PipelinedGICPFactor) Close() {
	f.derivs.Close()
}

// Keys returns the constrained variables, target first in binary mode.
func (f *PipelinedGICPFactor) Keys() []Key {
	if f.unary {
		return []Key{f.sourceKey}
	}
	return []Key{f.targetKey, f.sourceKey}
}

func (f *PipelinedGICPFactor) delta(values Values) (pose.Pose, error) {
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

// LinearizeBufferSize returns the float32 length IssueLinearize requires of
// its output buffer.
func (f *PipelinedGICPFactor) LinearizeBufferSize() int {
	return pipeline.LinearizeBufferSize
}

// ErrorBufferSize returns the float32 length IssueComputeError requires of its
// output buffer.
func (f *PipelinedGICPFactor) ErrorBufferSize() int {
	return pipeline.ErrorBufferSize
}

// IssueLinearize enqueues an inlier refresh and linearization at the current
// bindings without blocking. The buffer is valid after Sync and consumed by
// StoreLinearized.
func (f *PipelinedGICPFactor) IssueLinearize(values Values, out []float32) error {
	delta, err := f.delta(values)
	if err != nil {
		return err
	}
	if err := f.derivs.IssueLinearize(delta, out); err != nil {
		return err
	}
	f.pendingLinPoint = delta
	f.hasPendingLin = true
	return nil
}

// IssueComputeError enqueues an error evaluation at the current bindings,
// weighting residuals at the last linearization point.
func (f *PipelinedGICPFactor) IssueComputeError(values Values, out []float32) error {
	delta, err := f.delta(values)
	if err != nil {
		return err
	}
	lin := delta
	if f.hasLinPoint {
		lin = f.linPoint
	}
	if err := f.derivs.IssueComputeError(lin, delta, out); err != nil {
		return err
	}
	f.pendingEvalPoint = delta
	f.hasPendingEval = true
	return nil
}

// Sync joins the pipeline's compute stream.
func (f *PipelinedGICPFactor) Sync() {
	f.derivs.Sync()
}

// StoreLinearized collects an issued, synced linearize buffer into a Gaussian
// factor and caches its scalar error for a following Error call.
func (f *PipelinedGICPFactor) StoreLinearized(out []float32) (*GaussianFactor, error) {
	if !f.hasPendingLin {
		return nil, errors.New("no linearization issued")
	}
	sys := pipeline.UnpackLinearized(out)
	f.hasPendingLin = false
	f.linPoint = f.pendingLinPoint
	f.hasLinPoint = true
	f.hasCached = true
	f.cachedPoint = f.pendingLinPoint
	f.cachedError = sys.Error
	if f.unary {
		return newUnaryGaussianFactor(f.sourceKey, sys), nil
	}
	return newBinaryGaussianFactor(f.targetKey, f.sourceKey, sys), nil
}

// StoreComputedError collects an issued, synced error buffer and caches it for
// a following Error call.
func (f *PipelinedGICPFactor) StoreComputedError(out []float32) (float64, error) {
	if !f.hasPendingEval {
		return 0, errors.New("no error computation issued")
	}
	f.hasPendingEval = false
	f.hasCached = true
	f.cachedPoint = f.pendingEvalPoint
	f.cachedError = float64(out[0])
	return f.cachedError, nil
}

// Linearize is the synchronous convenience path: issue, sync, store.
func (f *PipelinedGICPFactor) Linearize(values Values) (*GaussianFactor, error) {
	buf := f.buffers.Get(pipeline.LinearizeBufferSize)
	defer f.buffers.Put(buf)
	if err := f.IssueLinearize(values, buf); err != nil {
		return nil, err
	}
	f.Sync()
	return f.StoreLinearized(buf)
}

// Error returns the scalar cost at the given bindings. A cached result from a
// matching linearize or stored error computation is consumed; otherwise the
// factor recomputes synchronously, stalling the stream.
func (f *PipelinedGICPFactor) Error(values Values) (float64, error) {
	delta, err := f.delta(values)
	if err != nil {
		return 0, err
	}
	if f.hasCached && delta.ApproxEqual(f.cachedPoint, poseCacheTolerance) {
		f.hasCached = false
		return f.cachedError, nil
	}
	f.logger.Warnw("pipelined factor error requested at an uncached pose; recomputing synchronously")
	lin := delta
	if f.hasLinPoint {
		lin = f.linPoint
	}
	f.derivs.UpdateInliers(delta, false)
	return f.derivs.ComputeError(lin, delta), nil
}

// Clone returns an independent factor in the same binding mode sharing the
// frames and any borrowed stream, but no pipeline caches.
func (f *PipelinedGICPFactor) Clone() Factor {
	clone := &PipelinedGICPFactor{
		targetKey:   f.targetKey,
		sourceKey:   f.sourceKey,
		fixedTarget: f.fixedTarget,
		unary:       f.unary,
	}
	// construction inputs were validated when f was built.
	if err := clone.init(f.target, f.source, f.cfg, f.stream, f.buffers, f.logger); err != nil {
		f.logger.Errorw("clone failed to rebuild pipeline", "error", err)
		return f
	}
	return clone
}
