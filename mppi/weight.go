package mppi

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// minTemperature is the temperature below which weighting collapses to picking the
// cheapest sample.
const minTemperature = 1e-12

// Weights writes the normalized importance weight of every cost into w:
// exp(-(c - min)/temperature), scaled to sum to one. With normalize set the spread
// of each cost is first divided by the mean spread. Infinite costs get zero weight.
func Weights(costs []float64, temperature float64, normalize bool, w []float64) error {
	if len(costs) == 0 || len(w) != len(costs) {
		return errors.Errorf("need one weight per cost, got %d weights for %d costs", len(w), len(costs))
	}
	minIdx := floats.MinIdx(costs)
	beta := costs[minIdx]
	if math.IsInf(beta, 0) || math.IsNaN(beta) {
		return errors.Wrap(ErrNumerical, "no rollout has a finite cost")
	}

	scale := temperature
	if normalize {
		var spread float64
		var finite int
		for _, c := range costs {
			if !math.IsInf(c, 1) {
				spread += c - beta
				finite++
			}
		}
		if spread > 0 {
			scale *= spread / float64(finite)
		}
	}

	if scale < minTemperature {
		for i := range w {
			w[i] = 0
		}
		w[minIdx] = 1
		return nil
	}
	for i, c := range costs {
		w[i] = math.Exp(-(c - beta) / scale)
	}
	// the cheapest sample contributes exp(0), so the sum is at least one
	floats.Scale(1/floats.Sum(w), w)
	return nil
}

// effectiveSamples is 1/sum(w^2), the number of equally weighted samples the
// weights are worth.
func effectiveSamples(w []float64) float64 {
	return 1 / floats.Dot(w, w)
}
