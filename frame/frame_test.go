package frame

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestBasicCapabilities(t *testing.T) {
	points := []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}
	f := NewBasic(points)

	test.That(t, f.Size(), test.ShouldEqual, 3)
	test.That(t, f.HasPoints(), test.ShouldBeTrue)
	test.That(t, f.HasCovariances(), test.ShouldBeFalse)
	test.That(t, f.HasNormals(), test.ShouldBeFalse)
	test.That(t, f.HasIntensities(), test.ShouldBeFalse)
	test.That(t, f.HasIntensityGradients(), test.ShouldBeFalse)
	test.That(t, f.Point(1), test.ShouldResemble, r3.Vector{Y: 1})

	test.That(t, f.SetIntensities([]float64{0.1, 0.2, 0.3}), test.ShouldBeNil)
	test.That(t, f.HasIntensities(), test.ShouldBeTrue)
	test.That(t, f.Intensity(2), test.ShouldEqual, 0.3)

	test.That(t, f.SetNormals([]r3.Vector{{Z: 1}, {Z: 1}, {Z: 1}}), test.ShouldBeNil)
	test.That(t, f.HasNormals(), test.ShouldBeTrue)

	covs := []*mat.Dense{IsotropicCovariance(1), IsotropicCovariance(1), IsotropicCovariance(1)}
	test.That(t, f.SetCovariances(covs), test.ShouldBeNil)
	test.That(t, f.HasCovariances(), test.ShouldBeTrue)
	test.That(t, f.Covariance(0).At(1, 1), test.ShouldEqual, 1)
	test.That(t, f.Covariance(0).At(3, 3), test.ShouldEqual, 0)
}

func TestBasicSizeMismatch(t *testing.T) {
	f := NewBasic([]r3.Vector{{X: 1}, {X: 2}})
	test.That(t, f.SetIntensities([]float64{1}), test.ShouldNotBeNil)
	test.That(t, f.SetNormals([]r3.Vector{{Z: 1}}), test.ShouldNotBeNil)
	test.That(t, f.SetCovariances([]*mat.Dense{IsotropicCovariance(1)}), test.ShouldNotBeNil)
	test.That(t, f.SetIntensityGradients([]r3.Vector{{X: 1}}), test.ShouldNotBeNil)
	test.That(t, f.HasIntensities(), test.ShouldBeFalse)
}

func TestValidate(t *testing.T) {
	f := NewBasic([]r3.Vector{{X: 1}})

	test.That(t, Validate(f, "target", Points), test.ShouldBeNil)

	err := Validate(f, "target", Points, Covariances)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "target frame is missing covariances")

	err = Validate(f, "source", Normals, Intensities, IntensityGradients)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "normals")
	test.That(t, err.Error(), test.ShouldContainSubstring, "intensities")
	test.That(t, err.Error(), test.ShouldContainSubstring, "intensity gradients")

	test.That(t, Validate(nil, "target", Points), test.ShouldNotBeNil)
}

func TestCovarianceFromMatrix3(t *testing.T) {
	c3 := mat.NewDense(3, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9})
	c4 := CovarianceFromMatrix3(c3)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, c4.At(i, j), test.ShouldEqual, c3.At(i, j))
		}
		test.That(t, c4.At(3, i), test.ShouldEqual, 0)
		test.That(t, c4.At(i, 3), test.ShouldEqual, 0)
	}
	test.That(t, c4.At(3, 3), test.ShouldEqual, 0)
}
