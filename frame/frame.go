// Package frame defines read-only point frames: ordered point sets with
// optional per-point attributes (covariance, normal, intensity, intensity
// gradient) behind a capability-checked accessor contract. Registration cost
// factors declare which attributes they require and refuse construction when a
// frame lacks them.
package frame

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
)

// Frame is an immutable view over a point cloud and its optional attributes.
// Accessors for an attribute may only be called when the corresponding Has
// method reports true. Frames are shared read-only across factors, so
// implementations must not mutate underlying storage after construction.
type Frame interface {
	// Size returns the number of points in the frame.
	Size() int

	// HasPoints returns whether the frame carries point positions.
	HasPoints() bool

	// Point returns the i-th point position.
	Point(i int) r3.Vector

	// HasCovariances returns whether the frame carries per-point covariances.
	HasCovariances() bool

	// Covariance returns the i-th 4x4 covariance matrix. The homogeneous row
	// and column are zero by convention.
	Covariance(i int) *mat.Dense

	// HasNormals returns whether the frame carries per-point normals.
	HasNormals() bool

	// Normal returns the i-th surface normal.
	Normal(i int) r3.Vector

	// HasIntensities returns whether the frame carries per-point intensities.
	HasIntensities() bool

	// Intensity returns the i-th scalar intensity.
	Intensity(i int) float64

	// HasIntensityGradients returns whether the frame carries per-point
	// intensity gradients.
	HasIntensityGradients() bool

	// IntensityGradient returns the spatial gradient of intensity at the i-th
	// point.
	IntensityGradient(i int) r3.Vector
}

// Attribute identifies an optional per-point attribute of a frame.
type Attribute int

// The attributes a cost factor can require of a frame.
const (
	Points Attribute = iota
	Covariances
	Normals
	Intensities
	IntensityGradients
)

func (a Attribute) String() string {
	switch a {
	case Points:
		return "points"
	case Covariances:
		return "covariances"
	case Normals:
		return "normals"
	case Intensities:
		return "intensities"
	case IntensityGradients:
		return "intensity gradients"
	default:
		return "unknown"
	}
}

func has(f Frame, a Attribute) bool {
	switch a {
	case Points:
		return f.HasPoints()
	case Covariances:
		return f.HasCovariances()
	case Normals:
		return f.HasNormals()
	case Intensities:
		return f.HasIntensities()
	case IntensityGradients:
		return f.HasIntensityGradients()
	default:
		return false
	}
}

// Validate checks that the frame carries every required attribute, combining
// one error per missing attribute. The name identifies the frame (for example
// "target") in error messages.
func Validate(f Frame, name string, required ...Attribute) error {
	if f == nil {
		return errors.Errorf("%s frame is nil", name)
	}
	var err error
	for _, a := range required {
		if !has(f, a) {
			err = multierr.Combine(err, errors.Errorf("%s frame is missing %s", name, a))
		}
	}
	return err
}
