package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"
)

// AnnealStrategy selects the annealing curve used by SWALRFactor.
type AnnealStrategy string

const (
	// AnnealCosine follows half a cosine period, flat near both ends.
	AnnealCosine AnnealStrategy = "cos"

	// AnnealLinear interpolates linearly.
	AnnealLinear AnnealStrategy = "linear"
)

// SWALRFactor returns the learning-rate annealing coefficient for the given epoch when
// stochastic weight averaging starts at swaStart: 1 before swaStart, then decaying to 0
// over annealEpochs following the strategy. The caller interpolates between its base
// learning rate (factor 1) and the averaging-phase learning rate (factor 0).
func SWALRFactor(epoch, swaStart, annealEpochs int, strategy AnnealStrategy) float64 {
	if annealEpochs < 0 {
		exceptions.Panicf("optimizers.SWALRFactor: annealEpochs must be non-negative, got %d", annealEpochs)
	}
	if epoch < swaStart {
		return 1
	}
	if annealEpochs == 0 || epoch >= swaStart+annealEpochs {
		return 0
	}
	t := float64(epoch-swaStart) / float64(annealEpochs)
	switch strategy {
	case AnnealCosine:
		return (1 + math.Cos(math.Pi*t)) / 2
	case AnnealLinear:
		return 1 - t
	default:
		exceptions.Panicf("optimizers.SWALRFactor: unknown anneal strategy %q, use %q or %q",
			strategy, AnnealCosine, AnnealLinear)
	}
	return 0
}
