package mppi

import (
	"math"

	"github.com/golang/geo/r2"

	"go.viam.com/racer/dynamics"
)

// maxStateDim bounds Model.StateDim for the stack allocated deviation state.
const maxStateDim = 8

// rollouts holds what every sample of one tick shares. Samples only write their own
// slots of the controller's applied and cost buffers.
type rollouts struct {
	c         *Controller
	start     dynamics.State
	ref       []dynamics.Control
	steer     *steering
	dt        float64
	opponents [][]r2.Point
	hint      int
	window    int
}

// run simulates sample k and returns its cost.
func (r *rollouts) run(k int) float64 {
	c := r.c
	cfg := &c.cfg
	weights := &cfg.CostWeights
	table := c.line.Table()
	n := table.Len()
	horizon := cfg.Horizon
	stride := horizon * controlDim
	eps := c.eps[k*stride : (k+1)*stride]
	applied := c.applied[k*stride : (k+1)*stride]

	steered := r.steer != nil && k < c.steered
	var y, next [maxStateDim]float64
	var delta [controlDim]float64

	state := r.start
	hint := r.hint
	var cost, progress, lateral float64
	for t := 0; t < horizon; t++ {
		d0, d1 := eps[t*controlDim], eps[t*controlDim+1]
		if steered {
			gain := r.steer.gain(t)
			dim := r.steer.n
			for j := 0; j < dim; j++ {
				d0 += gain[j] * y[j]
				d1 += gain[dim+j] * y[j]
			}
		}
		u := dynamics.Control{
			Throttle: cfg.ThrottleLimits.clamp(r.ref[t].Throttle + d0),
			Steering: cfg.SteeringLimits.clamp(r.ref[t].Steering + d1),
		}
		applied[t*controlDim] = u.Throttle
		applied[t*controlDim+1] = u.Steering
		if steered {
			delta[0] = u.Throttle - r.ref[t].Throttle
			delta[1] = u.Steering - r.ref[t].Steering
			r.steer.propagate(t, y[:r.steer.n], delta[:], next[:r.steer.n])
			y = next
		}

		state = c.model.Advance(state, u, r.dt)
		p := r2.Point{X: state.X, Y: state.Y}
		idx, lat := table.Nearest(p, hint, r.window)
		progress += float64(circularStep(hint, idx, n))
		hint, lateral = idx, lat
		sample := table.At(idx)

		dv := state.VForward - sample.TargetVelocity
		cost += weights.Lateral*lat*lat + weights.Speed*dv*dv +
			cfg.ControlEffortWeights[0]*u.Throttle*u.Throttle +
			cfg.ControlEffortWeights[1]*u.Steering*u.Steering
		if lat > sample.LeftClearance || -lat > sample.RightClearance {
			cost += weights.OffTrack
		}
		for _, opp := range r.opponents {
			if t < len(opp) && p.Sub(opp[t]).Norm() < weights.OpponentRadius {
				cost += weights.Opponent
			}
		}
	}
	cost += weights.Terminal*lateral*lateral - weights.Progress*progress*table.Spacing()
	if math.IsNaN(cost) {
		return math.Inf(1)
	}
	return cost
}

// circularStep is the signed number of samples from a to b on a loop of n samples,
// taking the shorter way around.
func circularStep(a, b, n int) int {
	d := ((b-a)%n + n) % n
	if d > n/2 {
		d -= n
	}
	return d
}
