package registration

import (
	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/scanmatch/frame"
	"go.viam.com/scanmatch/kdtree"
	"go.viam.com/scanmatch/pose"
	"go.viam.com/scanmatch/utils"
)

// GICPCost evaluates the distribution-to-distribution (GICP) matching cost
// between a target and a source frame. It owns a lazily refreshed
// correspondence cache and the per-point Mahalanobis weights derived from the
// combined point covariances.
//
// A GICPCost is logically const: Evaluate and Linearize mutate only the
// internal caches. Calls on one instance must be serialized by the caller;
// distinct instances may run concurrently and may share frames and the search
// index, which are read-only.
type GICPCost struct {
	target frame.Frame
	source frame.Frame
	tree   NearestNeighborSearch
	cfg    Config
	logger golog.Logger

	// correspondences[i] is the target index matched to source point i, or
	// noCorrespondence. mahalanobis[i] is the 4x4 weight for matched points
	// and nil otherwise, with the homogeneous row and column pinned to zero.
	correspondences []int
	mahalanobis     []*mat.Dense
	lastUpdate      pose.Pose
}

// NewGICPCost builds a GICP evaluator. Both frames must carry points and
// covariances. If tree is nil, a k-d tree over the target points is built.
func NewGICPCost(
	target, source frame.Frame,
	tree NearestNeighborSearch,
	cfg Config,
	logger golog.Logger,
) (*GICPCost, error) {
	if err := frame.Validate(target, "target", frame.Points, frame.Covariances); err != nil {
		return nil, err
	}
	if err := frame.Validate(source, "source", frame.Points, frame.Covariances); err != nil {
		return nil, err
	}
	if tree == nil {
		t, err := kdtree.FromFrame(target)
		if err != nil {
			return nil, err
		}
		tree = t
	}
	if logger == nil {
		logger = golog.Global()
	}
	return &GICPCost{
		target:     target,
		source:     source,
		tree:       tree,
		cfg:        cfg,
		logger:     logger,
		lastUpdate: pose.Identity(),
	}, nil
}

// UpdateCorrespondences refreshes the per-source-point nearest-target match
// under the given transform, unless the configured staleness tolerances permit
// reusing the previous search. Mahalanobis weights are recomputed exactly when
// their correspondence entries are.
func (g *GICPCost) UpdateCorrespondences(delta pose.Pose) {
	doUpdate := true
	if len(g.correspondences) == g.source.Size() &&
		(g.cfg.CorrespondenceUpdateToleranceTrans > 0 || g.cfg.CorrespondenceUpdateToleranceRot > 0) {
		diff := pose.Delta(delta, g.lastUpdate)
		if diff.Angle() < g.cfg.CorrespondenceUpdateToleranceRot &&
			diff.Translation().Norm() < g.cfg.CorrespondenceUpdateToleranceTrans {
			doUpdate = false
		}
	}
	if !doUpdate {
		return
	}
	g.lastUpdate = delta

	n := g.source.Size()
	if len(g.correspondences) != n {
		g.correspondences = make([]int, n)
		g.mahalanobis = make([]*mat.Dense, n)
	}

	maxSqDist := g.cfg.maxSqDist()
	deltaMat := delta.Matrix4()
	deltaMatT := deltaMat.T()

	utils.GroupWorkParallel(n, g.cfg.NumThreads,
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			query := make([]float64, 3)
			rotated := mat.NewDense(4, 4, nil)
			rcr := mat.NewDense(4, 4, nil)
			return func(memberNum, workNum int) {
				i := workNum
				pt := delta.TransformPoint(g.source.Point(i))
				query[0], query[1], query[2] = pt.X, pt.Y, pt.Z
				indices, sqDists := g.tree.KNN(query, 1, maxSqDist)
				if len(indices) == 0 || sqDists[0] >= maxSqDist {
					g.correspondences[i] = noCorrespondence
					g.mahalanobis[i] = nil
					return
				}
				g.correspondences[i] = indices[0]

				// weight = inverse of (target cov + rotated source cov), with
				// the homogeneous diagonal pinned so the error metric stays
				// 3-DOF inside the 4D embedding.
				rotated.Mul(deltaMat, g.source.Covariance(i))
				rcr.Mul(rotated, deltaMatT)
				rcr.Add(rcr, g.target.Covariance(indices[0]))
				rcr.Set(3, 3, 1)
				inv := mat.NewDense(4, 4, nil)
				if err := inv.Inverse(rcr); err != nil {
					g.correspondences[i] = noCorrespondence
					g.mahalanobis[i] = nil
					return
				}
				inv.Set(3, 3, 0)
				g.mahalanobis[i] = inv
			}, nil
		})

	matched := 0
	for _, c := range g.correspondences {
		if c != noCorrespondence {
			matched++
		}
	}
	g.logger.Debugw("updated gicp correspondences", "matched", matched, "total", n)
}

// Evaluate returns the scalar matching cost at delta, refreshing the
// correspondence cache only if it is missing or sized for a different source.
func (g *GICPCost) Evaluate(delta pose.Pose) float64 {
	errSum, _ := g.evaluate(delta, false)
	return errSum
}

// Linearize returns the quadratic approximation of the cost at delta.
func (g *GICPCost) Linearize(delta pose.Pose) *LinearizedSystem {
	errSum, sys := g.evaluate(delta, true)
	sys.Error = errSum
	return sys
}

// gicpScratch holds one worker's preallocated workspace for the reduction.
type gicpScratch struct {
	acc    *LinearizedSystem
	errSum float64

	jt  *mat.Dense // 4x6: [-Hat(transformed) | I]
	js  *mat.Dense // 4x6: [R*Hat(mean) | -R]
	jtW *mat.Dense // 6x4
	jsW *mat.Dense // 6x4
	h66 *mat.Dense
	b6  *mat.VecDense
	ev  *mat.VecDense // 4D error, homogeneous coordinate zero
	wv  *mat.VecDense
}

func newGICPScratch(rot *mat.Dense) *gicpScratch {
	s := &gicpScratch{
		acc: NewLinearizedSystem(),
		jt:  mat.NewDense(4, 6, nil),
		js:  mat.NewDense(4, 6, nil),
		jtW: mat.NewDense(6, 4, nil),
		jsW: mat.NewDense(6, 4, nil),
		h66: mat.NewDense(6, 6, nil),
		b6:  mat.NewVecDense(6, nil),
		ev:  mat.NewVecDense(4, nil),
		wv:  mat.NewVecDense(4, nil),
	}
	for i := 0; i < 3; i++ {
		s.jt.Set(i, 3+i, 1)
		for j := 0; j < 3; j++ {
			s.js.Set(i, 3+j, -rot.At(i, j))
		}
	}
	return s
}

func (g *GICPCost) evaluate(delta pose.Pose, withDerivatives bool) (float64, *LinearizedSystem) {
	if len(g.correspondences) != g.source.Size() {
		g.UpdateCorrespondences(delta)
	}

	rot := delta.RotationMatrix()
	var scratches []*gicpScratch

	utils.GroupWorkParallel(g.source.Size(), g.cfg.NumThreads,
		func(numGroups int) {
			scratches = make([]*gicpScratch, numGroups)
		},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			s := newGICPScratch(rot)
			scratches[groupNum] = s
			return func(memberNum, workNum int) {
				g.accumulatePoint(s, delta, rot, workNum, withDerivatives)
			}, nil
		})

	errSum := 0.0
	var sys *LinearizedSystem
	if withDerivatives {
		sys = NewLinearizedSystem()
	}
	for _, s := range scratches {
		errSum += s.errSum
		if withDerivatives {
			sys.Add(s.acc)
		}
	}
	return errSum, sys
}

func (g *GICPCost) accumulatePoint(s *gicpScratch, delta pose.Pose, rot *mat.Dense, i int, withDerivatives bool) {
	targetIndex := g.correspondences[i]
	if targetIndex == noCorrespondence {
		return
	}

	meanA := g.source.Point(i)
	meanB := g.target.Point(targetIndex)
	transed := delta.TransformPoint(meanA)
	weight := g.mahalanobis[i]

	s.ev.SetVec(0, meanB.X-transed.X)
	s.ev.SetVec(1, meanB.Y-transed.Y)
	s.ev.SetVec(2, meanB.Z-transed.Z)
	s.ev.SetVec(3, 0)

	s.wv.MulVec(weight, s.ev)
	s.errSum += 0.5 * mat.Dot(s.ev, s.wv)

	if !withDerivatives {
		return
	}

	// rotational blocks; the translational blocks of jt/js are fixed at
	// construction of the scratch.
	hatT := pose.Hat(transed)
	hatA := pose.Hat(meanA)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			s.jt.Set(r, c, -hatT.At(r, c))
			rh := rot.At(r, 0)*hatA.At(0, c) + rot.At(r, 1)*hatA.At(1, c) + rot.At(r, 2)*hatA.At(2, c)
			s.js.Set(r, c, rh)
		}
	}

	s.jtW.Mul(s.jt.T(), weight)
	s.jsW.Mul(s.js.T(), weight)

	s.h66.Mul(s.jtW, s.jt)
	s.acc.HTarget.Add(s.acc.HTarget, s.h66)
	s.h66.Mul(s.jsW, s.js)
	s.acc.HSource.Add(s.acc.HSource, s.h66)
	s.h66.Mul(s.jtW, s.js)
	s.acc.HTargetSource.Add(s.acc.HTargetSource, s.h66)

	s.b6.MulVec(s.jtW, s.ev)
	s.acc.BTarget.AddVec(s.acc.BTarget, s.b6)
	s.b6.MulVec(s.jsW, s.ev)
	s.acc.BSource.AddVec(s.acc.BSource, s.b6)
}

// Correspondences exposes the current correspondence indices for inspection.
// The returned slice is the cache itself; callers must not mutate it.
func (g *GICPCost) Correspondences() []int {
	return g.correspondences
}

// MahalanobisWeight returns the cached weight for source point i, or nil when
// the point has no correspondence.
func (g *GICPCost) MahalanobisWeight(i int) *mat.Dense {
	return g.mahalanobis[i]
}

// Target returns the target frame.
func (g *GICPCost) Target() frame.Frame { return g.target }

// Source returns the source frame.
func (g *GICPCost) Source() frame.Frame { return g.source }

// SearchIndex returns the nearest-neighbor index over the target.
func (g *GICPCost) SearchIndex() NearestNeighborSearch { return g.tree }

// Options returns the evaluator's configuration.
func (g *GICPCost) Options() Config { return g.cfg }
