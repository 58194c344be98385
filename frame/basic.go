package frame

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Basic is an in-memory Frame backed by parallel slices. Attributes are
// present exactly when their slice was set; every set slice must match the
// point count.
type Basic struct {
	points             []r3.Vector
	covariances        []*mat.Dense
	normals            []r3.Vector
	intensities        []float64
	intensityGradients []r3.Vector
}

// NewBasic returns a frame over the given points. The slice is retained, not
// copied; callers must not mutate it afterwards.
func NewBasic(points []r3.Vector) *Basic {
	return &Basic{points: points}
}

// SetCovariances attaches per-point 4x4 covariance matrices.
func (f *Basic) SetCovariances(covariances []*mat.Dense) error {
	if len(covariances) != len(f.points) {
		return errors.Errorf("expected %d covariances, got %d", len(f.points), len(covariances))
	}
	f.covariances = covariances
	return nil
}

// SetNormals attaches per-point surface normals.
func (f *Basic) SetNormals(normals []r3.Vector) error {
	if len(normals) != len(f.points) {
		return errors.Errorf("expected %d normals, got %d", len(f.points), len(normals))
	}
	f.normals = normals
	return nil
}

// SetIntensities attaches per-point scalar intensities.
func (f *Basic) SetIntensities(intensities []float64) error {
	if len(intensities) != len(f.points) {
		return errors.Errorf("expected %d intensities, got %d", len(f.points), len(intensities))
	}
	f.intensities = intensities
	return nil
}

// SetIntensityGradients attaches per-point intensity gradients.
func (f *Basic) SetIntensityGradients(gradients []r3.Vector) error {
	if len(gradients) != len(f.points) {
		return errors.Errorf("expected %d intensity gradients, got %d", len(f.points), len(gradients))
	}
	f.intensityGradients = gradients
	return nil
}

// Size returns the number of points in the frame.
func (f *Basic) Size() int {
	return len(f.points)
}

// HasPoints returns whether the frame carries point positions.
func (f *Basic) HasPoints() bool {
	return len(f.points) > 0
}

// Point returns the i-th point position.
func (f *Basic) Point(i int) r3.Vector {
	return f.points[i]
}

// HasCovariances returns whether the frame carries per-point covariances.
func (f *Basic) HasCovariances() bool {
	return len(f.covariances) > 0
}

// Covariance returns the i-th 4x4 covariance matrix.
func (f *Basic) Covariance(i int) *mat.Dense {
	return f.covariances[i]
}

// HasNormals returns whether the frame carries per-point normals.
func (f *Basic) HasNormals() bool {
	return len(f.normals) > 0
}

// Normal returns the i-th surface normal.
func (f *Basic) Normal(i int) r3.Vector {
	return f.normals[i]
}

// HasIntensities returns whether the frame carries per-point intensities.
func (f *Basic) HasIntensities() bool {
	return len(f.intensities) > 0
}

// Intensity returns the i-th scalar intensity.
func (f *Basic) Intensity(i int) float64 {
	return f.intensities[i]
}

// HasIntensityGradients returns whether the frame carries per-point intensity
// gradients.
func (f *Basic) HasIntensityGradients() bool {
	return len(f.intensityGradients) > 0
}

// IntensityGradient returns the spatial gradient of intensity at the i-th point.
func (f *Basic) IntensityGradient(i int) r3.Vector {
	return f.intensityGradients[i]
}

// CovarianceFromMatrix3 embeds a 3x3 covariance into the 4x4 homogeneous
// convention used by frames (zero homogeneous row and column).
func CovarianceFromMatrix3(c *mat.Dense) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, c.At(i, j))
		}
	}
	return out
}

// IsotropicCovariance returns a 4x4 covariance with the given variance on the
// spatial diagonal.
func IsotropicCovariance(variance float64) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	out.Set(0, 0, variance)
	out.Set(1, 1, variance)
	out.Set(2, 2, variance)
	return out
}
