// Package registration implements point-cloud registration cost evaluators
// used as factors in a pose-graph optimizer. Each evaluator scores a candidate
// relative transform between a target and a source frame and, on request,
// produces the quadratic approximation (Hessian blocks and gradients) an
// external Gauss-Newton or Levenberg-Marquardt solver consumes.
package registration

// NearestNeighborSearch finds nearest neighbors among indexed points. A query
// has the dimension of the index's keys. Implementations must be safe for
// concurrent queries; the per-point correspondence search fans out across
// workers.
type NearestNeighborSearch interface {
	// KNN returns indices and squared distances of up to k nearest neighbors
	// of the query, closest first, excluding any at squared distance of
	// maxSqDist or more. Empty results mean no neighbor within the bound.
	KNN(query []float64, k int, maxSqDist float64) ([]int, []float64)
}

// Config holds per-factor evaluation parameters.
type Config struct {
	// NumThreads is the parallelism degree for correspondence search and cost
	// reduction. Zero or less means single-threaded.
	NumThreads int

	// MaxCorrespondenceDistance is the outlier rejection radius: source points
	// whose nearest target neighbor lies at this distance or beyond get no
	// correspondence.
	MaxCorrespondenceDistance float64

	// CorrespondenceUpdateToleranceRot and CorrespondenceUpdateToleranceTrans
	// are the staleness thresholds (radians, distance units) under which a
	// pose change skips the correspondence search. Zero forces a fresh search
	// on every update.
	CorrespondenceUpdateToleranceRot   float64
	CorrespondenceUpdateToleranceTrans float64

	// PhotometricTermWeight scales the color-consistency cost. Ignored by the
	// GICP evaluator.
	PhotometricTermWeight float64
}

// DefaultConfig returns the evaluation defaults: single-threaded, a unit
// correspondence radius, always-refresh correspondences, and unit photometric
// weight.
func DefaultConfig() Config {
	return Config{
		NumThreads:                1,
		MaxCorrespondenceDistance: 1.0,
		PhotometricTermWeight:     1.0,
	}
}

func (c Config) maxSqDist() float64 {
	return c.MaxCorrespondenceDistance * c.MaxCorrespondenceDistance
}

// noCorrespondence marks a source point with no target neighbor within the
// rejection radius. Such points contribute exactly zero to error, Hessian,
// and gradient.
const noCorrespondence = -1
