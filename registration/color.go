package registration

import (
	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/scanmatch/frame"
	"go.viam.com/scanmatch/kdtree"
	"go.viam.com/scanmatch/pose"
	"go.viam.com/scanmatch/utils"
)

// ColorConsistencyCost evaluates a photometric matching cost between frames:
// each transformed source point is projected onto its matched target point's
// tangent plane, and the target's intensity field (first-order, via the
// precomputed intensity gradient) is compared against the source intensity.
//
// The correspondence search uses 4D keys folding intensity into the fourth
// coordinate, so the supplied search index must be built over such keys (see
// kdtree.FromFrameWithIntensity).
//
// Like GICPCost, a ColorConsistencyCost is logically const with internally
// cached correspondences; calls on one instance must be serialized.
type ColorConsistencyCost struct {
	target frame.Frame
	source frame.Frame
	tree   NearestNeighborSearch
	cfg    Config
	logger golog.Logger

	correspondences []int
	lastUpdate      pose.Pose
}

// NewColorConsistencyCost builds a photometric evaluator. The target must
// carry points, normals, intensities, and intensity gradients; the source must
// carry points and intensities. If tree is nil, a 4D position+intensity k-d
// tree over the target is built.
func NewColorConsistencyCost(
	target, source frame.Frame,
	tree NearestNeighborSearch,
	cfg Config,
	logger golog.Logger,
) (*ColorConsistencyCost, error) {
	if err := frame.Validate(target, "target",
		frame.Points, frame.Normals, frame.Intensities, frame.IntensityGradients); err != nil {
		return nil, err
	}
	if err := frame.Validate(source, "source", frame.Points, frame.Intensities); err != nil {
		return nil, err
	}
	if tree == nil {
		t, err := kdtree.FromFrameWithIntensity(target)
		if err != nil {
			return nil, err
		}
		tree = t
	}
	if logger == nil {
		logger = golog.Global()
	}
	return &ColorConsistencyCost{
		target:     target,
		source:     source,
		tree:       tree,
		cfg:        cfg,
		logger:     logger,
		lastUpdate: pose.Identity(),
	}, nil
}

// UpdateCorrespondences refreshes the per-source-point match under the given
// transform unless the staleness tolerances permit reusing the previous
// search.
func (c *ColorConsistencyCost) UpdateCorrespondences(delta pose.Pose) {
	doUpdate := true
	if len(c.correspondences) == c.source.Size() &&
		(c.cfg.CorrespondenceUpdateToleranceTrans > 0 || c.cfg.CorrespondenceUpdateToleranceRot > 0) {
		diff := pose.Delta(delta, c.lastUpdate)
		if diff.Angle() < c.cfg.CorrespondenceUpdateToleranceRot &&
			diff.Translation().Norm() < c.cfg.CorrespondenceUpdateToleranceTrans {
			doUpdate = false
		}
	}
	if !doUpdate {
		return
	}
	c.lastUpdate = delta

	n := c.source.Size()
	if len(c.correspondences) != n {
		c.correspondences = make([]int, n)
	}
	maxSqDist := c.cfg.maxSqDist()

	utils.GroupWorkParallel(n, c.cfg.NumThreads,
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			query := make([]float64, 4)
			return func(memberNum, workNum int) {
				i := workNum
				pt := delta.TransformPoint(c.source.Point(i))
				query[0], query[1], query[2] = pt.X, pt.Y, pt.Z
				query[3] = c.source.Intensity(i)
				indices, sqDists := c.tree.KNN(query, 1, maxSqDist)
				if len(indices) == 0 || sqDists[0] >= maxSqDist {
					c.correspondences[i] = noCorrespondence
					return
				}
				c.correspondences[i] = indices[0]
			}, nil
		})

	matched := 0
	for _, m := range c.correspondences {
		if m != noCorrespondence {
			matched++
		}
	}
	c.logger.Debugw("updated color correspondences", "matched", matched, "total", n)
}

// Evaluate returns the scalar photometric cost at delta.
func (c *ColorConsistencyCost) Evaluate(delta pose.Pose) float64 {
	errSum, _ := c.evaluate(delta, false)
	return errSum
}

// Linearize returns the quadratic approximation of the cost at delta.
func (c *ColorConsistencyCost) Linearize(delta pose.Pose) *LinearizedSystem {
	errSum, sys := c.evaluate(delta, true)
	sys.Error = errSum
	return sys
}

type colorScratch struct {
	acc    *LinearizedSystem
	errSum float64

	jt   *mat.Dense // 4x6: [Hat(transformed) | -I]
	js   *mat.Dense // 4x6: [-R*Hat(mean) | R]
	gp4  *mat.VecDense
	jTgt *mat.VecDense
	jSrc *mat.VecDense
}

func newColorScratch(rot *mat.Dense) *colorScratch {
	s := &colorScratch{
		acc:  NewLinearizedSystem(),
		jt:   mat.NewDense(4, 6, nil),
		js:   mat.NewDense(4, 6, nil),
		gp4:  mat.NewVecDense(4, nil),
		jTgt: mat.NewVecDense(6, nil),
		jSrc: mat.NewVecDense(6, nil),
	}
	for i := 0; i < 3; i++ {
		s.jt.Set(i, 3+i, -1)
		for j := 0; j < 3; j++ {
			s.js.Set(i, 3+j, rot.At(i, j))
		}
	}
	return s
}

func (c *ColorConsistencyCost) evaluate(delta pose.Pose, withDerivatives bool) (float64, *LinearizedSystem) {
	if len(c.correspondences) != c.source.Size() {
		c.UpdateCorrespondences(delta)
	}

	rot := delta.RotationMatrix()
	var scratches []*colorScratch

	utils.GroupWorkParallel(c.source.Size(), c.cfg.NumThreads,
		func(numGroups int) {
			scratches = make([]*colorScratch, numGroups)
		},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			s := newColorScratch(rot)
			scratches[groupNum] = s
			return func(memberNum, workNum int) {
				c.accumulatePoint(s, delta, rot, workNum, withDerivatives)
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

func (c *ColorConsistencyCost) accumulatePoint(s *colorScratch, delta pose.Pose, rot *mat.Dense, i int, withDerivatives bool) {
	targetIndex := c.correspondences[i]
	if targetIndex == noCorrespondence {
		return
	}

	meanA := c.source.Point(i)
	intensityA := c.source.Intensity(i)
	meanB := c.target.Point(targetIndex)
	normalB := c.target.Normal(targetIndex)
	gradientB := c.target.IntensityGradient(targetIndex)
	intensityB := c.target.Intensity(targetIndex)

	transed := delta.TransformPoint(meanA)

	// project onto the target point's tangent plane, then evaluate the
	// first-order intensity model at the in-plane offset.
	projected := transed.Sub(normalB.Mul(transed.Sub(meanB).Dot(normalB)))
	offset := projected.Sub(meanB)
	errPhoto := intensityB + gradientB.Dot(offset) - intensityA

	w := c.cfg.PhotometricTermWeight
	s.errSum += 0.5 * w * errPhoto * errPhoto

	if !withDerivatives {
		return
	}

	// gradient pushed back through the plane projector (I - n·nᵀ), which is
	// symmetric, with the homogeneous row and column zeroed.
	gp := gradientB.Sub(normalB.Mul(normalB.Dot(gradientB)))
	s.gp4.SetVec(0, gp.X)
	s.gp4.SetVec(1, gp.Y)
	s.gp4.SetVec(2, gp.Z)
	s.gp4.SetVec(3, 0)

	hatT := pose.Hat(transed)
	hatA := pose.Hat(meanA)
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			s.jt.Set(r, col, hatT.At(r, col))
			rh := rot.At(r, 0)*hatA.At(0, col) + rot.At(r, 1)*hatA.At(1, col) + rot.At(r, 2)*hatA.At(2, col)
			s.js.Set(r, col, -rh)
		}
	}

	s.jTgt.MulVec(s.jt.T(), s.gp4)
	s.jSrc.MulVec(s.js.T(), s.gp4)

	s.acc.HTarget.RankOne(s.acc.HTarget, w, s.jTgt, s.jTgt)
	s.acc.HSource.RankOne(s.acc.HSource, w, s.jSrc, s.jSrc)
	s.acc.HTargetSource.RankOne(s.acc.HTargetSource, w, s.jTgt, s.jSrc)
	s.acc.BTarget.AddScaledVec(s.acc.BTarget, w*errPhoto, s.jTgt)
	s.acc.BSource.AddScaledVec(s.acc.BSource, w*errPhoto, s.jSrc)
}

// Correspondences exposes the current correspondence indices for inspection.
// The returned slice is the cache itself; callers must not mutate it.
func (c *ColorConsistencyCost) Correspondences() []int {
	return c.correspondences
}

// Target returns the target frame.
func (c *ColorConsistencyCost) Target() frame.Frame { return c.target }

// Source returns the source frame.
func (c *ColorConsistencyCost) Source() frame.Frame { return c.source }

// SearchIndex returns the nearest-neighbor index over the target.
func (c *ColorConsistencyCost) SearchIndex() NearestNeighborSearch { return c.tree }

// Options returns the evaluator's configuration.
func (c *ColorConsistencyCost) Options() Config { return c.cfg }
