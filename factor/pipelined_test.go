package factor

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/scanmatch/frame"
	"go.viam.com/scanmatch/pipeline"
	"go.viam.com/scanmatch/pose"
	"go.viam.com/scanmatch/registration"
)

func TestPipelinedFactorValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	bare := frame.NewBasic([]r3.Vector{{X: 1}})
	good := frameWithCovs([]r3.Vector{{X: 1}}, 0.5)

	_, err := NewPipelinedGICPFactor(1, 2, bare, good, pipeline.DefaultConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "covariances")
}

func TestPipelinedFactorKeys(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target, source := testClouds(67)

	binary, err := NewPipelinedGICPFactor(5, 6, target, source, pipeline.DefaultConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	defer binary.Close()
	test.That(t, binary.Keys(), test.ShouldResemble, []Key{5, 6})

	unary, err := NewFixedTargetPipelinedGICPFactor(
		pose.Identity(), 6, target, source, pipeline.DefaultConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	defer unary.Close()
	test.That(t, unary.Keys(), test.ShouldResemble, []Key{6})
}

func TestPipelinedFactorMatchesCPUFactor(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target, source := testClouds(71)
	values := Values{1: pose.Identity(), 2: pose.NewFromTranslation(r3.Vector{X: 0.1, Y: -0.05})}

	cpu, err := NewGICPFactor(1, 2, target, source, nil, registration.DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	want, err := cpu.Linearize(values)
	test.That(t, err, test.ShouldBeNil)

	f, err := NewPipelinedGICPFactor(1, 2, target, source, pipeline.DefaultConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	got, err := f.Linearize(values)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, got.Keys, test.ShouldResemble, want.Keys)
	test.That(t, got.Error, test.ShouldAlmostEqual, want.Error, 1e-2)
	for i := 0; i < 12; i++ {
		test.That(t, got.B.AtVec(i), test.ShouldAlmostEqual, want.B.AtVec(i), 1e-2)
		for j := i; j < 12; j++ {
			test.That(t, got.H.At(i, j), test.ShouldAlmostEqual, want.H.At(i, j), 1e-2)
		}
	}
}

func TestPipelinedFactorIssueStoreProtocol(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target, source := testClouds(73)
	values := Values{1: pose.Identity(), 2: pose.NewFromTranslation(r3.Vector{X: 0.1})}

	f, err := NewPipelinedGICPFactor(1, 2, target, source, pipeline.DefaultConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()

	// stores without a matching issue are protocol misuse.
	_, err = f.StoreLinearized(make([]float32, f.LinearizeBufferSize()))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = f.StoreComputedError(make([]float32, f.ErrorBufferSize()))
	test.That(t, err, test.ShouldNotBeNil)

	out := make([]float32, f.LinearizeBufferSize())
	test.That(t, f.IssueLinearize(values, out), test.ShouldBeNil)
	f.Sync()
	async, err := f.StoreLinearized(out)
	test.That(t, err, test.ShouldBeNil)

	sync, err := f.Linearize(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, async.Error, test.ShouldEqual, sync.Error)
	test.That(t, mat.Equal(async.H, sync.H), test.ShouldBeTrue)
	test.That(t, mat.Equal(async.B, sync.B), test.ShouldBeTrue)

	eout := make([]float32, f.ErrorBufferSize())
	test.That(t, f.IssueComputeError(values, eout), test.ShouldBeNil)
	f.Sync()
	stored, err := f.StoreComputedError(eout)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stored, test.ShouldAlmostEqual, sync.Error, 1e-6)
}

func TestPipelinedFactorErrorCache(t *testing.T) {
	logger, observed := golog.NewObservedTestLogger(t)
	target, source := testClouds(79)
	values := Values{1: pose.Identity(), 2: pose.NewFromTranslation(r3.Vector{X: 0.1})}

	f, err := NewPipelinedGICPFactor(1, 2, target, source, pipeline.DefaultConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()

	gf, err := f.Linearize(values)
	test.That(t, err, test.ShouldBeNil)

	// cached error: no synchronous fallback, no warning.
	got, err := f.Error(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, gf.Error)
	test.That(t, observed.FilterMessageSnippet("recomputing synchronously").Len(), test.ShouldEqual, 0)

	// the cache was consumed, so a repeat stalls the stream and warns.
	again, err := f.Error(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldAlmostEqual, gf.Error, 1e-6)
	test.That(t, observed.FilterMessageSnippet("recomputing synchronously").Len(), test.ShouldEqual, 1)
}

func TestPipelinedFactorUnary(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target, source := testClouds(83)
	fixed := pose.NewFromTranslation(r3.Vector{X: 0.5})
	values := Values{2: pose.NewFromTranslation(r3.Vector{X: 0.6})}

	f, err := NewFixedTargetPipelinedGICPFactor(
		fixed, 2, target, source, pipeline.DefaultConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()

	gf, err := f.Linearize(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gf.Keys, test.ShouldResemble, []Key{2})
	test.That(t, gf.H.SymmetricDim(), test.ShouldEqual, 6)

	cpu, err := NewFixedTargetGICPFactor(fixed, 2, target, source, nil, registration.DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	want, err := cpu.Linearize(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gf.Error, test.ShouldAlmostEqual, want.Error, 1e-2)
}

func TestPipelinedFactorMissingBinding(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target, source := testClouds(89)

	f, err := NewPipelinedGICPFactor(1, 2, target, source, pipeline.DefaultConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()

	_, err = f.Error(Values{1: pose.Identity()})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = f.Linearize(Values{})
	test.That(t, err, test.ShouldNotBeNil)
	err = f.IssueLinearize(Values{1: pose.Identity()}, make([]float32, f.LinearizeBufferSize()))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPipelinedFactorClone(t *testing.T) {
	logger := golog.NewTestLogger(t)
	target, source := testClouds(97)
	values := Values{1: pose.Identity(), 2: pose.NewFromTranslation(r3.Vector{X: 0.1})}

	f, err := NewPipelinedGICPFactor(1, 2, target, source, pipeline.DefaultConfig(), nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()

	want, err := f.Linearize(values)
	test.That(t, err, test.ShouldBeNil)

	clone, ok := f.Clone().(*PipelinedGICPFactor)
	test.That(t, ok, test.ShouldBeTrue)
	defer clone.Close()
	test.That(t, clone, test.ShouldNotEqual, f)
	test.That(t, clone.Keys(), test.ShouldResemble, []Key{1, 2})

	got, err := clone.Linearize(values)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Error, test.ShouldEqual, want.Error)
	test.That(t, mat.Equal(got.H, want.H), test.ShouldBeTrue)
}
