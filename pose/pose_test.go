package pose

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestIdentity(t *testing.T) {
	p := Identity()
	v := r3.Vector{X: 1, Y: -2, Z: 3}
	test.That(t, p.TransformPoint(v), test.ShouldResemble, v)
	test.That(t, p.Angle(), test.ShouldAlmostEqual, 0)
	test.That(t, p.Translation().Norm(), test.ShouldAlmostEqual, 0)
}

func TestAxisAngleRotation(t *testing.T) {
	p := NewFromAxisAngle(r3.Vector{Z: 1}, math.Pi/2, r3.Vector{})
	got := p.TransformPoint(r3.Vector{X: 1})
	test.That(t, got.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, got.Z, test.ShouldAlmostEqual, 0, 1e-12)

	test.That(t, p.Angle(), test.ShouldAlmostEqual, math.Pi/2, 1e-12)
}

func TestComposeInverse(t *testing.T) {
	a := NewFromAxisAngle(r3.Vector{X: 1, Y: 2, Z: -1}, 0.7, r3.Vector{X: 0.3, Y: -0.2, Z: 1.1})
	b := NewFromAxisAngle(r3.Vector{Y: 1, Z: 3}, -0.4, r3.Vector{X: -1, Y: 0.5, Z: 0})

	test.That(t, a.Compose(a.Inverse()).ApproxEqual(Identity(), 1e-12), test.ShouldBeTrue)
	test.That(t, a.Inverse().Compose(a).ApproxEqual(Identity(), 1e-12), test.ShouldBeTrue)

	// composition applies the right-hand transform first
	v := r3.Vector{X: 0.1, Y: 0.2, Z: 0.3}
	got := a.Compose(b).TransformPoint(v)
	want := a.TransformPoint(b.TransformPoint(v))
	test.That(t, got.X, test.ShouldAlmostEqual, want.X, 1e-12)
	test.That(t, got.Y, test.ShouldAlmostEqual, want.Y, 1e-12)
	test.That(t, got.Z, test.ShouldAlmostEqual, want.Z, 1e-12)
}

func TestDelta(t *testing.T) {
	a := NewFromAxisAngle(r3.Vector{X: 1}, 0.2, r3.Vector{X: 1, Y: 2, Z: 3})
	b := NewFromAxisAngle(r3.Vector{Z: 1}, -0.9, r3.Vector{X: -2, Y: 0, Z: 4})
	d := Delta(a, b)
	test.That(t, a.Compose(d).ApproxEqual(b, 1e-12), test.ShouldBeTrue)
	test.That(t, Delta(a, a).ApproxEqual(Identity(), 1e-12), test.ShouldBeTrue)
}

func TestAngleOfDelta(t *testing.T) {
	a := NewFromAxisAngle(r3.Vector{Y: 1}, 0.3, r3.Vector{})
	b := NewFromAxisAngle(r3.Vector{Y: 1}, 0.55, r3.Vector{})
	test.That(t, Delta(a, b).Angle(), test.ShouldAlmostEqual, 0.25, 1e-9)
}

func TestMatrix4(t *testing.T) {
	p := NewFromAxisAngle(r3.Vector{X: 1, Z: 1}, 0.5, r3.Vector{X: 1, Y: 2, Z: 3})
	m := p.Matrix4()
	test.That(t, m.At(3, 0), test.ShouldEqual, 0)
	test.That(t, m.At(3, 3), test.ShouldEqual, 1)
	test.That(t, m.At(0, 3), test.ShouldEqual, 1)
	test.That(t, m.At(1, 3), test.ShouldEqual, 2)
	test.That(t, m.At(2, 3), test.ShouldEqual, 3)

	rot := p.RotationMatrix()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, m.At(i, j), test.ShouldEqual, rot.At(i, j))
		}
	}
}

func TestMgl32RoundTrip(t *testing.T) {
	p := NewFromAxisAngle(r3.Vector{X: -1, Y: 1}, 1.2, r3.Vector{X: 0.5, Y: -0.5, Z: 2})
	m := p.Mgl32()
	m64 := p.Matrix4()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			test.That(t, float64(m.At(i, j)), test.ShouldAlmostEqual, m64.At(i, j), 1e-6)
		}
	}
}

func TestHat(t *testing.T) {
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	w := r3.Vector{X: -2, Y: 0.5, Z: 4}
	h := Hat(v)
	got := r3.Vector{
		X: h.At(0, 0)*w.X + h.At(0, 1)*w.Y + h.At(0, 2)*w.Z,
		Y: h.At(1, 0)*w.X + h.At(1, 1)*w.Y + h.At(1, 2)*w.Z,
		Z: h.At(2, 0)*w.X + h.At(2, 1)*w.Y + h.At(2, 2)*w.Z,
	}
	want := v.Cross(w)
	test.That(t, got.X, test.ShouldAlmostEqual, want.X)
	test.That(t, got.Y, test.ShouldAlmostEqual, want.Y)
	test.That(t, got.Z, test.ShouldAlmostEqual, want.Z)
}
