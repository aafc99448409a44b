// Package control drives a vehicle with a controller at a fixed rate.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"go.viam.com/racer/dynamics"
	"go.viam.com/racer/mppi"
	"go.viam.com/racer/raceline"
	rutils "go.viam.com/racer/utils"
)

const (
	maxFrequency  = 200
	latencyWindow = 30
)

// Config configures a Loop.
type Config struct {
	// Frequency is the tick rate in Hz.
	Frequency float64 `json:"frequency"`
}

// WithDefaults fills unset fields.
func (cfg Config) WithDefaults() Config {
	if cfg.Frequency == 0 {
		cfg.Frequency = 30
	}
	return cfg
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if !(cfg.Frequency > 0) || cfg.Frequency > maxFrequency {
		return utils.NewConfigValidationError(path, errors.Errorf("loop frequency must be within (0, %d] Hz", maxFrequency))
	}
	return nil
}

// Period is the time between ticks.
func (cfg Config) Period() time.Duration {
	return time.Duration(float64(time.Second) / cfg.Frequency)
}

// Controller computes the control for one tick.
type Controller interface {
	Control(ctx context.Context, in mppi.Input) (mppi.Output, error)
}

// Vehicle is what a Loop reads state from and sends controls to.
type Vehicle interface {
	State(ctx context.Context) (dynamics.State, error)
	Actuate(ctx context.Context, u dynamics.Control) error
}

// OpponentSource supplies predicted opponent positions for a tick.
type OpponentSource func(ctx context.Context) [][]r2.Point

// TickObserver is called after every actuated tick with the control sent and how
// long the tick took.
type TickObserver func(u dynamics.Control, latency time.Duration)

// Stats counts what happened over the life of a Loop.
type Stats struct {
	Ticks int64
	// NotOnTrack ticks sent zero controls.
	NotOnTrack int64
	// Numerical ticks repeated the previous control.
	Numerical int64
	Overruns  int64
	// AverageLatency covers the most recent ticks.
	AverageLatency time.Duration
}

// Loop calls a controller once per period and actuates the result. A tick whose
// vehicle is off the track actuates zero controls; a tick whose controller fails
// numerically repeats the previous control.
type Loop struct {
	cfg        Config
	controller Controller
	vehicle    Vehicle
	opponents  OpponentSource
	observer   TickObserver
	clock      clock.Clock
	logger     golog.Logger
	period     time.Duration

	ticks      atomic.Int64
	notOnTrack atomic.Int64
	numerical  atomic.Int64
	overruns   atomic.Int64

	mu         sync.Mutex
	last       dynamics.Control
	latencyAvg *rutils.RollingAverage

	activeBackgroundWorkers sync.WaitGroup
	cancelCtx               context.Context
	cancel                  context.CancelFunc
	running                 bool
}

// NewLoop returns a stopped loop. A nil clock means the wall clock.
func NewLoop(logger golog.Logger, cfg Config, controller Controller, vehicle Vehicle, clk clock.Clock) (*Loop, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate("loop"); err != nil {
		return nil, err
	}
	if controller == nil || vehicle == nil {
		return nil, errors.New("loop needs a controller and a vehicle")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		cfg:        cfg,
		controller: controller,
		vehicle:    vehicle,
		clock:      clk,
		logger:     logger,
		period:     cfg.Period(),
		latencyAvg: rutils.NewRollingAverage(latencyWindow),
	}, nil
}

// SetOpponents installs a source of opponent predictions used on every tick.
func (l *Loop) SetOpponents(src OpponentSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opponents = src
}

// SetObserver installs a callback run after every actuated tick. The loop keeps no
// per-tick history of its own.
func (l *Loop) SetObserver(obs TickObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = obs
}

// Step runs a single tick and returns the control it actuated.
func (l *Loop) Step(ctx context.Context) (dynamics.Control, error) {
	start := l.clock.Now()
	state, err := l.vehicle.State(ctx)
	if err != nil {
		return dynamics.Control{}, errors.Wrap(err, "cannot read vehicle state")
	}
	l.mu.Lock()
	opponents := l.opponents
	last := l.last
	l.mu.Unlock()

	in := mppi.Input{State: state, DT: l.period.Seconds()}
	if opponents != nil {
		in.Opponents = opponents(ctx)
	}
	out, err := l.controller.Control(ctx, in)
	var u dynamics.Control
	switch {
	case err == nil && out.Valid:
		u = dynamics.Control{Throttle: out.Throttle, Steering: out.Steering}
	case errors.Is(err, raceline.ErrNotOnTrack):
		l.notOnTrack.Inc()
		l.logger.Warnw("vehicle is off the track, stopping", "x", state.X, "y", state.Y)
	case errors.Is(err, mppi.ErrNumerical):
		l.numerical.Inc()
		l.logger.Warnw("controller failed, holding previous control", "error", err)
		u = last
	case err != nil:
		return dynamics.Control{}, err
	default:
		l.numerical.Inc()
		l.logger.Warnw("controller returned an invalid output, holding previous control")
		u = last
	}

	elapsed := l.clock.Since(start)
	if elapsed > l.period {
		l.overruns.Inc()
		l.logger.Warnw("control tick overran its period", "elapsed", elapsed, "period", l.period)
	}
	if err := l.vehicle.Actuate(ctx, u); err != nil {
		return dynamics.Control{}, errors.Wrap(err, "cannot actuate vehicle")
	}
	l.ticks.Inc()

	l.mu.Lock()
	l.last = u
	l.latencyAvg.Add(float64(elapsed))
	observer := l.observer
	l.mu.Unlock()
	if observer != nil {
		observer(u, elapsed)
	}
	return u, nil
}

// Start runs Step on every tick of the loop's clock until Stop is called.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errors.New("control loop is already running")
	}
	l.logger.Debugw("starting control loop", "frequency", l.cfg.Frequency, "period", l.period)
	l.cancelCtx, l.cancel = context.WithCancel(context.Background())
	ticker := l.clock.Ticker(l.period)
	ctx := l.cancelCtx
	l.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := l.Step(ctx); err != nil && ctx.Err() == nil {
				l.logger.Errorw("control tick failed", "error", err)
			}
		}
	}, l.activeBackgroundWorkers.Done)
	l.running = true
	return nil
}

// Stop stops the loop and waits for the running tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.logger.Debug("closing loop")
	l.cancel()
	l.running = false
	l.mu.Unlock()
	l.activeBackgroundWorkers.Wait()
}

// Stats returns the loop's counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	avg := time.Duration(l.latencyAvg.Average())
	l.mu.Unlock()
	return Stats{
		Ticks:          l.ticks.Load(),
		NotOnTrack:     l.notOnTrack.Load(),
		Numerical:      l.numerical.Load(),
		Overruns:       l.overruns.Load(),
		AverageLatency: avg,
	}
}

// Last is the most recently actuated control.
func (l *Loop) Last() dynamics.Control {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
