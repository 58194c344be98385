package pipeline

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	"go.viam.com/scanmatch/frame"
	"go.viam.com/scanmatch/pose"
	"go.viam.com/scanmatch/registration"
)

// Config holds the pipeline's evaluation parameters.
type Config struct {
	// MaxCorrespondenceDistance is the outlier rejection radius for the
	// inlier search.
	MaxCorrespondenceDistance float64

	// InlierUpdateThreshTrans and InlierUpdateThreshAngle bound how far the
	// pose may move (distance units, radians) before the inlier cache is
	// refreshed. Zero forces a refresh on every issue.
	InlierUpdateThreshTrans float64
	InlierUpdateThreshAngle float64

	// EnableSurfaceValidation additionally rejects candidate matches whose
	// surface normals disagree (non-positive dot product after rotation).
	// Requires normals on both frames.
	EnableSurfaceValidation bool
}

// DefaultConfig mirrors the CPU evaluator defaults.
func DefaultConfig() Config {
	return Config{MaxCorrespondenceDistance: 1.0}
}

// GICPDerivatives computes GICP linearizations on a serialized compute stream
// in single precision, the way a device-offloaded backend would: frames are
// converted ("uploaded") once at construction, an inlier cache is maintained
// stream-side to avoid redundant searches, and results land in caller-supplied
// buffers that are only valid after Sync.
//
// All mutable state is touched exclusively from stream operations, so one
// instance needs no further locking as long as the caller serializes its
// issue/sync pairs.
type GICPDerivatives struct {
	cfg     Config
	stream  Stream
	owned   *SerialStream
	buffers BufferPool
	logger  golog.Logger

	targetPts     []mgl32.Vec4
	targetCovs    []mgl32.Mat4
	targetNormals []mgl32.Vec4
	sourcePts     []mgl32.Vec4
	sourceCovs    []mgl32.Mat4
	sourceNormals []mgl32.Vec4

	// inliers[i] is the matched target index for source point i, or -1. Valid
	// only when hasInliers; inlierPose is the transform of the last refresh.
	inliers    []int32
	inlierPose mgl32.Mat4
	hasInliers bool
}

// NewGICPDerivatives uploads both frames and prepares a pipeline. A nil stream
// means the pipeline owns a fresh serial stream (released by Close); a nil
// buffer pool gets a private one. Both frames must carry points and
// covariances, plus normals when surface validation is enabled.
func NewGICPDerivatives(
	target, source frame.Frame,
	cfg Config,
	stream Stream,
	buffers BufferPool,
	logger golog.Logger,
) (*GICPDerivatives, error) {
	required := []frame.Attribute{frame.Points, frame.Covariances}
	if cfg.EnableSurfaceValidation {
		required = append(required, frame.Normals)
	}
	if err := frame.Validate(target, "target", required...); err != nil {
		return nil, err
	}
	if err := frame.Validate(source, "source", required...); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = golog.Global()
	}
	d := &GICPDerivatives{cfg: cfg, stream: stream, buffers: buffers, logger: logger}
	if d.stream == nil {
		d.owned = NewSerialStream()
		d.stream = d.owned
	}
	if d.buffers == nil {
		d.buffers = NewBufferPool()
	}
	d.targetPts, d.targetCovs, d.targetNormals = uploadFrame(target, cfg.EnableSurfaceValidation)
	d.sourcePts, d.sourceCovs, d.sourceNormals = uploadFrame(source, cfg.EnableSurfaceValidation)
	d.inliers = make([]int32, len(d.sourcePts))
	return d, nil
}

func uploadFrame(f frame.Frame, withNormals bool) ([]mgl32.Vec4, []mgl32.Mat4, []mgl32.Vec4) {
	n := f.Size()
	pts := make([]mgl32.Vec4, n)
	covs := make([]mgl32.Mat4, n)
	var normals []mgl32.Vec4
	if withNormals {
		normals = make([]mgl32.Vec4, n)
	}
	for i := 0; i < n; i++ {
		p := f.Point(i)
		pts[i] = mgl32.Vec4{float32(p.X), float32(p.Y), float32(p.Z), 1}
		c := f.Covariance(i)
		var m mgl32.Mat4
		for r := 0; r < 4; r++ {
			for col := 0; col < 4; col++ {
				m.Set(r, col, float32(c.At(r, col)))
			}
		}
		covs[i] = m
		if withNormals {
			nv := f.Normal(i)
			normals[i] = mgl32.Vec4{float32(nv.X), float32(nv.Y), float32(nv.Z), 0}
		}
	}
	return pts, covs, normals
}

// Close releases the owned stream, if any. Borrowed streams and pools stay
// with their owners.
func (d *GICPDerivatives) Close() {
	if d.owned != nil {
		d.owned.Close()
	}
}

// Sync joins the compute stream; buffers written by previously issued
// operations are valid afterwards.
func (d *GICPDerivatives) Sync() {
	d.stream.Sync()
}

// UpdateInliers issues a stream-side refresh of the inlier cache at the given
// transform. Without force, the refresh is skipped when the pose has moved
// less than both configured thresholds since the last refresh.
func (d *GICPDerivatives) UpdateInliers(delta pose.Pose, force bool) {
	cur := delta.Mgl32()
	d.stream.Enqueue(func() { d.updateInliersOp(cur, force) })
}

// IssueLinearize enqueues an inlier refresh followed by a linearization at
// delta, writing a packed record into out. The buffer must hold
// LinearizeBufferSize values and is valid after Sync.
func (d *GICPDerivatives) IssueLinearize(delta pose.Pose, out []float32) error {
	if len(out) < LinearizeBufferSize {
		return errors.Errorf("linearize buffer needs %d values, got %d", LinearizeBufferSize, len(out))
	}
	cur := delta.Mgl32()
	d.stream.Enqueue(func() {
		d.updateInliersOp(cur, false)
		d.linearizeOp(cur, out)
	})
	return nil
}

// IssueComputeError enqueues an error evaluation: Mahalanobis weights at the
// linearization pose, residuals at the evaluation pose. The single-value
// buffer is valid after Sync.
func (d *GICPDerivatives) IssueComputeError(linPoint, evalPoint pose.Pose, out []float32) error {
	if len(out) < ErrorBufferSize {
		return errors.Errorf("error buffer needs %d values, got %d", ErrorBufferSize, len(out))
	}
	lin := linPoint.Mgl32()
	eval := evalPoint.Mgl32()
	d.stream.Enqueue(func() { out[0] = d.errorOp(lin, eval) })
	return nil
}

// Linearize is the synchronous convenience wrapper around IssueLinearize.
func (d *GICPDerivatives) Linearize(delta pose.Pose) *registration.LinearizedSystem {
	buf := d.buffers.Get(LinearizeBufferSize)
	defer d.buffers.Put(buf)
	// the buffer length is guaranteed, so the issue cannot fail.
	if err := d.IssueLinearize(delta, buf); err != nil {
		d.logger.Errorw("linearize issue rejected", "error", err)
		return registration.NewLinearizedSystem()
	}
	d.Sync()
	return UnpackLinearized(buf)
}

// ComputeError is the synchronous convenience wrapper around
// IssueComputeError.
func (d *GICPDerivatives) ComputeError(linPoint, evalPoint pose.Pose) float64 {
	buf := d.buffers.Get(ErrorBufferSize)
	defer d.buffers.Put(buf)
	if err := d.IssueComputeError(linPoint, evalPoint, buf); err != nil {
		d.logger.Errorw("compute error issue rejected", "error", err)
		return 0
	}
	d.Sync()
	return float64(buf[0])
}

func (d *GICPDerivatives) updateInliersOp(cur mgl32.Mat4, force bool) {
	if !force && d.hasInliers {
		diff := d.inlierPose.Inv().Mul4(cur)
		trans := diff.Col(3).Vec3().Len()
		if float64(trans) < d.cfg.InlierUpdateThreshTrans &&
			float64(mat4Angle(diff)) < d.cfg.InlierUpdateThreshAngle {
			return
		}
	}

	maxSqDist := float32(d.cfg.MaxCorrespondenceDistance * d.cfg.MaxCorrespondenceDistance)
	for i := range d.sourcePts {
		transed := cur.Mul4x1(d.sourcePts[i])
		var rotatedNormal mgl32.Vec4
		if d.cfg.EnableSurfaceValidation {
			rotatedNormal = cur.Mul4x1(d.sourceNormals[i])
		}
		best := int32(-1)
		bestSqDist := maxSqDist
		for j := range d.targetPts {
			diff := transed.Sub(d.targetPts[j])
			sqDist := diff.Dot(diff)
			if sqDist >= bestSqDist {
				continue
			}
			if d.cfg.EnableSurfaceValidation && rotatedNormal.Dot(d.targetNormals[j]) <= 0 {
				continue
			}
			best = int32(j)
			bestSqDist = sqDist
		}
		d.inliers[i] = best
	}
	d.inlierPose = cur
	d.hasInliers = true
}

func (d *GICPDerivatives) linearizeOp(lin mgl32.Mat4, out []float32) {
	var h [3][36]float32
	var b [2][6]float32
	var errSum float32
	var jt, js, jtW, jsW [24]float32

	for i := range d.sourcePts {
		j := d.inliers[i]
		if j < 0 {
			continue
		}
		weight, ok := d.mahalanobis(lin, i, int(j))
		if !ok {
			continue
		}
		transed := lin.Mul4x1(d.sourcePts[i])
		e := d.targetPts[j].Sub(transed)
		errSum += 0.5 * e.Dot(weight.Mul4x1(e))

		fillJacobians(&jt, &js, lin, transed, d.sourcePts[i])
		mulJTW(&jt, &weight, &jtW)
		mulJTW(&js, &weight, &jsW)
		addJWJ(&h[0], &jtW, &jt)
		addJWJ(&h[1], &jsW, &js)
		addJWJ(&h[2], &jtW, &js)
		addJWe(&b[0], &jtW, e)
		addJWe(&b[1], &jsW, e)
	}
	packLinearized(out, h, b, errSum)
}

func (d *GICPDerivatives) errorOp(lin, eval mgl32.Mat4) float32 {
	var errSum float32
	for i := range d.sourcePts {
		j := d.inliers[i]
		if j < 0 {
			continue
		}
		weight, ok := d.mahalanobis(lin, i, int(j))
		if !ok {
			continue
		}
		transed := eval.Mul4x1(d.sourcePts[i])
		e := d.targetPts[j].Sub(transed)
		errSum += 0.5 * e.Dot(weight.Mul4x1(e))
	}
	return errSum
}

// mahalanobis computes the combined-covariance weight for a pair at the given
// linearization pose, with the homogeneous diagonal pinned as on the CPU path.
func (d *GICPDerivatives) mahalanobis(lin mgl32.Mat4, i, j int) (mgl32.Mat4, bool) {
	rcr := lin.Mul4(d.sourceCovs[i]).Mul4(lin.Transpose())
	rcr = rcr.Add(d.targetCovs[j])
	rcr.Set(3, 3, 1)
	if mgl32.FloatEqual(rcr.Det(), 0) {
		return mgl32.Mat4{}, false
	}
	inv := rcr.Inv()
	inv.Set(3, 3, 0)
	return inv, true
}

// fillJacobians writes the 4x6 pose Jacobians (row-major, rotation generators
// then translation) for one point pair.
func fillJacobians(jt, js *[24]float32, lin mgl32.Mat4, transed, mean mgl32.Vec4) {
	for i := range jt {
		jt[i] = 0
		js[i] = 0
	}
	hatT := hat(transed.Vec3())
	hatA := hat(mean.Vec3())
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			jt[r*6+c] = -hatT[r*3+c]
			rh := lin.At(r, 0)*hatA[c] + lin.At(r, 1)*hatA[3+c] + lin.At(r, 2)*hatA[6+c]
			js[r*6+c] = rh
			js[r*6+3+c] = -lin.At(r, c)
		}
		jt[r*6+3+r] = 1
	}
}

func hat(v mgl32.Vec3) [9]float32 {
	return [9]float32{
		0, -v.Z(), v.Y(),
		v.Z(), 0, -v.X(),
		-v.Y(), v.X(), 0,
	}
}

// mulJTW computes out = jᵀ·w, a 6x4 row-major product.
func mulJTW(j *[24]float32, w *mgl32.Mat4, out *[24]float32) {
	for a := 0; a < 6; a++ {
		for k := 0; k < 4; k++ {
			var sum float32
			for r := 0; r < 4; r++ {
				sum += j[r*6+a] * w.At(r, k)
			}
			out[a*4+k] = sum
		}
	}
}

// addJWJ accumulates h += jw·j, a 6x6 row-major product.
func addJWJ(h *[36]float32, jw, j *[24]float32) {
	for a := 0; a < 6; a++ {
		for c := 0; c < 6; c++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += jw[a*4+k] * j[k*6+c]
			}
			h[a*6+c] += sum
		}
	}
}

// addJWe accumulates b += jw·e.
func addJWe(b *[6]float32, jw *[24]float32, e mgl32.Vec4) {
	for a := 0; a < 6; a++ {
		b[a] += jw[a*4]*e.X() + jw[a*4+1]*e.Y() + jw[a*4+2]*e.Z() + jw[a*4+3]*e.W()
	}
}

// mat4Angle returns the rotation angle of the upper-left 3x3 block.
func mat4Angle(m mgl32.Mat4) float32 {
	c := (m.At(0, 0) + m.At(1, 1) + m.At(2, 2) - 1) / 2
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return float32(math.Acos(float64(c)))
}
