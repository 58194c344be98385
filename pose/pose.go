// Package pose provides rigid transforms on SE(3) in the shape the
// registration cost evaluators consume them: an explicit rotation matrix plus
// translation, with cheap composition, inversion, and point transforms.
package pose

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Pose is a rigid transform, a rotation followed by a translation. The zero
// value is not valid; use Identity or one of the constructors.
type Pose struct {
	r [9]float64 // row-major 3x3 rotation
	t r3.Vector
}

// Identity returns the identity transform.
func Identity() Pose {
	return Pose{r: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// NewPose builds a pose from a 3x3 rotation matrix and a translation. The
// rotation is copied; the caller keeps ownership of the input.
func NewPose(rotation *mat.Dense, translation r3.Vector) Pose {
	var p Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.r[i*3+j] = rotation.At(i, j)
		}
	}
	p.t = translation
	return p
}

// NewFromAxisAngle builds a pose rotating by theta radians about the given
// axis (normalized internally) and translating by translation.
func NewFromAxisAngle(axis r3.Vector, theta float64, translation r3.Vector) Pose {
	n := axis.Normalize()
	c := math.Cos(theta)
	s := math.Sin(theta)
	t := 1 - c
	p := Pose{t: translation}
	p.r = [9]float64{
		c + n.X*n.X*t, n.X*n.Y*t - n.Z*s, n.X*n.Z*t + n.Y*s,
		n.Y*n.X*t + n.Z*s, c + n.Y*n.Y*t, n.Y*n.Z*t - n.X*s,
		n.Z*n.X*t - n.Y*s, n.Z*n.Y*t + n.X*s, c + n.Z*n.Z*t,
	}
	return p
}

// NewFromTranslation builds a pure translation.
func NewFromTranslation(translation r3.Vector) Pose {
	p := Identity()
	p.t = translation
	return p
}

// Compose returns p*o, the transform applying o first and then p.
func (p Pose) Compose(o Pose) Pose {
	var out Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.r[i*3+j] = p.r[i*3]*o.r[j] + p.r[i*3+1]*o.r[3+j] + p.r[i*3+2]*o.r[6+j]
		}
	}
	out.t = p.RotateVector(o.t).Add(p.t)
	return out
}

// Inverse returns the transform undoing p.
func (p Pose) Inverse() Pose {
	var out Pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.r[i*3+j] = p.r[j*3+i]
		}
	}
	out.t = out.RotateVector(p.t).Mul(-1)
	return out
}

// Delta returns a⁻¹·b, the motion taking a to b.
func Delta(a, b Pose) Pose {
	return a.Inverse().Compose(b)
}

// TransformPoint applies the full transform to a point.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	return p.RotateVector(v).Add(p.t)
}

// RotateVector applies only the rotational part of the transform.
func (p Pose) RotateVector(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: p.r[0]*v.X + p.r[1]*v.Y + p.r[2]*v.Z,
		Y: p.r[3]*v.X + p.r[4]*v.Y + p.r[5]*v.Z,
		Z: p.r[6]*v.X + p.r[7]*v.Y + p.r[8]*v.Z,
	}
}

// Translation returns the translational part of the transform.
func (p Pose) Translation() r3.Vector {
	return p.t
}

// RotationMatrix returns a copy of the 3x3 rotation matrix.
func (p Pose) RotationMatrix() *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, p.r[i*3+j])
		}
	}
	return out
}

// Matrix4 returns the transform as a 4x4 homogeneous matrix.
func (p Pose) Matrix4() *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, p.r[i*3+j])
		}
	}
	out.Set(0, 3, p.t.X)
	out.Set(1, 3, p.t.Y)
	out.Set(2, 3, p.t.Z)
	out.Set(3, 3, 1)
	return out
}

// Angle returns the rotation angle in radians, in [0, pi].
func (p Pose) Angle() float64 {
	m := mgl64.Ident4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, p.r[i*3+j])
		}
	}
	q := mgl64.Mat4ToQuat(m)
	return 2 * math.Atan2(q.V.Len(), math.Abs(q.W))
}

// ApproxEqual reports whether two poses differ by at most tol in every
// rotation and translation entry.
func (p Pose) ApproxEqual(o Pose, tol float64) bool {
	for i := range p.r {
		if math.Abs(p.r[i]-o.r[i]) > tol {
			return false
		}
	}
	d := p.t.Sub(o.t)
	return math.Abs(d.X) <= tol && math.Abs(d.Y) <= tol && math.Abs(d.Z) <= tol
}

// Mgl32 returns the transform as a column-major single-precision 4x4 matrix
// for consumption by the single-precision derivative pipeline.
func (p Pose) Mgl32() mgl32.Mat4 {
	var m mgl32.Mat4
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, float32(p.r[i*3+j]))
		}
	}
	m.Set(0, 3, float32(p.t.X))
	m.Set(1, 3, float32(p.t.Y))
	m.Set(2, 3, float32(p.t.Z))
	m.Set(3, 3, 1)
	return m
}

// Hat returns the skew-symmetric cross-product matrix of v, so that
// Hat(v)*w = v x w.
func Hat(v r3.Vector) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -v.Z)
	cross.Set(0, 2, v.Y)
	cross.Set(1, 0, v.Z)
	cross.Set(1, 2, -v.X)
	cross.Set(2, 0, -v.Y)
	cross.Set(2, 1, v.X)
	return cross
}
