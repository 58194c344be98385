package registration

import (
	"github.com/montanaflynn/stats"

	"go.viam.com/scanmatch/frame"
	"go.viam.com/scanmatch/pose"
)

// Diagnostics summarizes the quality of a correspondence set at a given
// transform.
type Diagnostics struct {
	// InlierFraction is the share of source points with a valid correspondence.
	InlierFraction float64
	// MeanDistance and MedianDistance summarize point-to-match distances over
	// matched points. Zero when nothing is matched.
	MeanDistance   float64
	MedianDistance float64
}

type correspondenceSource interface {
	Correspondences() []int
	Target() frame.Frame
	Source() frame.Frame
}

// Diagnose summarizes an evaluator's current correspondences under delta.
// It reflects whatever the cache holds; call UpdateCorrespondences first to
// diagnose a specific transform.
func Diagnose(ev correspondenceSource, delta pose.Pose) Diagnostics {
	correspondences := ev.Correspondences()
	if len(correspondences) == 0 {
		return Diagnostics{}
	}
	distances := make([]float64, 0, len(correspondences))
	for i, c := range correspondences {
		if c == noCorrespondence {
			continue
		}
		transed := delta.TransformPoint(ev.Source().Point(i))
		distances = append(distances, transed.Sub(ev.Target().Point(c)).Norm())
	}
	out := Diagnostics{InlierFraction: float64(len(distances)) / float64(len(correspondences))}
	if len(distances) == 0 {
		return out
	}
	// stats errors only on empty input, which is excluded above.
	out.MeanDistance, _ = stats.Mean(distances)
	out.MedianDistance, _ = stats.Median(distances)
	return out
}
