// Package mppi implements sampling based model predictive path integral control
// (MPPI) and its covariance steered variant (CCMPPI) for racing along a raceline.
package mppi

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/racer/dynamics"
	"go.viam.com/racer/raceline"
	"go.viam.com/racer/utils"
)

var (
	// ErrNumerical is returned when a tick produces a non finite control.
	ErrNumerical = errors.New("numerical failure in controller")
	// ErrResourceExhausted is returned when a configuration needs more rollout memory
	// than allowed.
	ErrResourceExhausted = errors.New("rollout memory limit exceeded")
)

// Input is the per tick input of a Controller.
type Input struct {
	State dynamics.State
	// DT overrides the configured rollout step when positive.
	DT float64
	// Opponents are predicted opponent positions, one per horizon step.
	Opponents [][]r2.Point
}

// Debug describes how an output was produced.
type Debug struct {
	Localization     raceline.Localization
	MinCost          float64
	MeanCost         float64
	EffectiveSamples float64
	SteeredSamples   int
	// Lambda is the terminal weight found by covariance steering, zero when unused.
	Lambda float64
	// Reference is the full synthesized control sequence.
	Reference []dynamics.Control
	Elapsed   time.Duration
}

// Output is the control to apply for one tick. When Valid is false the controls are
// zero and the caller decides on a fallback.
type Output struct {
	Throttle float64
	Steering float64
	Valid    bool
	Debug    Debug
}

// A Controller is owned by a single goroutine. Rollouts within a tick run in
// parallel, but Control must not be called concurrently.
type Controller struct {
	cfg     Config
	model   dynamics.Model
	line    *raceline.Raceline
	logger  golog.Logger
	noise   *noiseSampler
	steerer *steerer
	rng     *rand.Rand

	steered   int
	reference []dynamics.Control
	eps       []float64
	applied   []float64
	costs     []float64
	weights   []float64
	maxTarget float64
}

// NewController validates cfg and allocates everything a tick needs.
func NewController(cfg Config, model dynamics.Model, line *raceline.Raceline, logger golog.Logger) (*Controller, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate("controller"); err != nil {
		return nil, err
	}
	if model == nil || line == nil {
		return nil, errors.New("controller needs a model and a raceline")
	}
	if need := rolloutBytes(cfg, model.StateDim()); need > cfg.MaxRolloutBytes {
		return nil, errors.Wrapf(ErrResourceExhausted, "need %d bytes, limit is %d", need, cfg.MaxRolloutBytes)
	}
	noise, err := newNoiseSampler(cfg.NoiseCovariance)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	c := &Controller{
		cfg:       cfg,
		model:     model,
		line:      line,
		logger:    logger,
		noise:     noise,
		rng:       rand.New(rand.NewSource(seed)), //nolint:gosec
		reference: make([]dynamics.Control, cfg.Horizon),
		eps:       make([]float64, cfg.Samples*cfg.Horizon*controlDim),
		applied:   make([]float64, cfg.Samples*cfg.Horizon*controlDim),
		costs:     make([]float64, cfg.Samples),
		weights:   make([]float64, cfg.Samples),
	}
	if cfg.Algorithm == AlgorithmCCMPPI {
		c.steerer = newSteerer(model, noise, cfg.TerminalPositionVariance)
		c.steered = int(math.Round(*cfg.CCRatio * float64(cfg.Samples)))
	}
	for _, s := range line.Table().Samples() {
		c.maxTarget = math.Max(c.maxTarget, s.TargetVelocity)
	}
	return c, nil
}

// rolloutBytes estimates the memory one tick allocates.
func rolloutBytes(cfg Config, stateDim int) int64 {
	const word = 8
	k, t := int64(cfg.Samples), int64(cfg.Horizon)
	n, m := int64(stateDim), int64(controlDim)
	total := 2*k*t*m*word + 2*k*word + t*m*word
	if cfg.Algorithm == AlgorithmCCMPPI {
		total += t * (n*n + 2*n*m) * word
	}
	return total
}

// Config returns the controller's configuration with defaults applied.
func (c *Controller) Config() Config {
	return c.cfg
}

// Reference returns a copy of the warm start sequence.
func (c *Controller) Reference() []dynamics.Control {
	return append([]dynamics.Control(nil), c.reference...)
}

// Reset clears the warm start.
func (c *Controller) Reset() {
	for i := range c.reference {
		c.reference[i] = dynamics.Control{}
	}
}

// Control runs one tick: localize, sample, roll out, weight and synthesize.
func (c *Controller) Control(ctx context.Context, in Input) (Output, error) {
	start := time.Now()
	dt := in.DT
	if dt <= 0 {
		dt = c.cfg.DT
	}

	loc, err := c.line.Localize(raceline.Pose{X: in.State.X, Y: in.State.Y, Heading: in.State.Heading}, c.cfg.ReferencePointOffset)
	if err != nil {
		c.logger.Debugw("cannot localize", "x", in.State.X, "y", in.State.Y, "error", err)
		return Output{}, err
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	c.noise.fill(c.rng, c.eps)
	ref := c.reference
	if c.cfg.DisableWarmStart {
		ref = make([]dynamics.Control, c.cfg.Horizon)
	}

	var steer *steering
	if c.steerer != nil && c.steered > 0 {
		steer, err = c.steerer.compute(in.State, ref, dt)
		if err != nil {
			c.logger.Debugw("covariance steering failed", "error", err)
			return Output{}, err
		}
	}

	r := &rollouts{
		c:         c,
		start:     in.State,
		ref:       ref,
		steer:     steer,
		dt:        dt,
		opponents: in.Opponents,
		hint:      loc.Sample,
		window:    c.searchWindow(in.State.Speed(), dt),
	}
	if err := utils.GroupWorkParallel(ctx, c.cfg.Samples, c.cfg.Workers, func(_, from, to int) {
		for k := from; k < to; k++ {
			c.costs[k] = r.run(k)
		}
	}); err != nil {
		return Output{}, err
	}

	if err := Weights(c.costs, c.cfg.Temperature, c.cfg.NormalizeCost, c.weights); err != nil {
		c.logger.Debugw("weighting failed", "error", err)
		return Output{}, err
	}
	synthesized := c.synthesize()
	for _, u := range synthesized {
		if !utils.Finite(u.Throttle, u.Steering) {
			c.logger.Debugw("synthesized control is not finite", "throttle", u.Throttle, "steering", u.Steering)
			return Output{}, errors.Wrap(ErrNumerical, "synthesized control is not finite")
		}
	}
	c.storeWarmStart(synthesized)

	out := Output{
		Throttle: synthesized[0].Throttle,
		Steering: synthesized[0].Steering,
		Valid:    true,
		Debug: Debug{
			Localization:     loc,
			MinCost:          floats.Min(c.costs),
			MeanCost:         meanFinite(c.costs),
			EffectiveSamples: effectiveSamples(c.weights),
			Reference:        synthesized,
			Elapsed:          time.Since(start),
		},
	}
	if steer != nil {
		out.Debug.SteeredSamples = c.steered
		out.Debug.Lambda = steer.lambda
	}
	return out, nil
}

// searchWindow is how many table samples a rollout step may move past. It covers
// twice the faster of the vehicle and the fastest target speed, plus 1 m/s.
func (c *Controller) searchWindow(speed, dt float64) int {
	v := math.Max(c.maxTarget, math.Abs(speed))
	return int(math.Ceil((2*v+1)*dt/c.line.Table().Spacing())) + 2
}

// synthesize is the weighted average of the applied control sequences.
func (c *Controller) synthesize() []dynamics.Control {
	horizon := c.cfg.Horizon
	out := make([]dynamics.Control, horizon)
	stride := horizon * controlDim
	for k, w := range c.weights {
		if w == 0 {
			continue
		}
		applied := c.applied[k*stride : (k+1)*stride]
		for t := range out {
			out[t].Throttle += w * applied[t*controlDim]
			out[t].Steering += w * applied[t*controlDim+1]
		}
	}
	return out
}

func (c *Controller) storeWarmStart(synthesized []dynamics.Control) {
	if c.cfg.DisableWarmStart {
		return
	}
	if !c.cfg.ShiftWarmStart {
		copy(c.reference, synthesized)
		return
	}
	copy(c.reference, synthesized[1:])
	c.reference[len(c.reference)-1] = dynamics.Control{}
}

func meanFinite(values []float64) float64 {
	var sum float64
	var n int
	for _, v := range values {
		if !math.IsInf(v, 0) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.Inf(1)
	}
	return sum / float64(n)
}
