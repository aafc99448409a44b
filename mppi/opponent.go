package mppi

import (
	"math"

	"github.com/golang/geo/r2"

	"go.viam.com/racer/dynamics"
	"go.viam.com/racer/raceline"
)

// PredictOpponent forecasts an opponent's positions over the next horizon steps by
// moving it along the raceline at its current speed and lateral offset. The result
// can be passed as one of Input.Opponents.
func PredictOpponent(table *raceline.Table, state dynamics.State, horizon int, dt float64) []r2.Point {
	p := r2.Point{X: state.X, Y: state.Y}
	idx, lateral := table.Nearest(p, 0, table.Len())
	s0 := table.At(idx).S
	speed := state.Speed()

	out := make([]r2.Point, horizon)
	for t := range out {
		s := s0 + speed*dt*float64(t+1)
		sample := table.At(table.Index(s))
		sin, cos := math.Sincos(sample.Heading)
		// left normal of the direction of travel
		out[t] = r2.Point{X: sample.X - lateral*sin, Y: sample.Y + lateral*cos}
	}
	return out
}
