package mppi

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/test"

	"go.viam.com/racer/dynamics"
	"go.viam.com/racer/raceline"
	"go.viam.com/racer/speedprofile"
	"go.viam.com/racer/track"
)

func testRaceline(t *testing.T) *raceline.Raceline {
	t.Helper()
	tr, err := track.New(track.Config{
		Description: "uuruurddddll",
		Rows:        5,
		Cols:        3,
		Scale:       1,
		Start:       8,
		Offsets:     []float64{0, 0, 0, 0, -0.5},
	})
	test.That(t, err, test.ShouldBeNil)
	rl, err := raceline.New(context.Background(), tr, raceline.Config{
		Smoothing:    0.05,
		Samples:      512,
		SpeedProfile: speedprofile.Config{MaxSpeed: 2},
	}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return rl
}

func testModel(t *testing.T) dynamics.Model {
	t.Helper()
	m, err := dynamics.New(dynamics.KindKinematic, dynamics.Params{})
	test.That(t, err, test.ShouldBeNil)
	return m
}

func testConfig() Config {
	return Config{
		Samples:     256,
		Horizon:     20,
		DT:          0.03,
		Temperature: 1,
		Seed:        7,
	}
}

// onStraight is at rest in the middle of the downward straight at x = 2.5.
var onStraight = dynamics.State{X: 2.5, Y: 2.5, Heading: -math.Pi / 2}

func TestControlAcceleratesFromRest(t *testing.T) {
	rl := testRaceline(t)
	cfg := testConfig()
	cfg.Samples = 512
	cfg.Temperature = 10
	c, err := NewController(cfg, testModel(t), rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	out, err := c.Control(context.Background(), Input{State: onStraight})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Valid, test.ShouldBeTrue)
	test.That(t, out.Debug.Localization.TargetVelocity, test.ShouldAlmostEqual, 2, 1e-6)
	test.That(t, out.Throttle, test.ShouldBeGreaterThan, 0)
	test.That(t, out.Throttle, test.ShouldBeLessThanOrEqualTo, 1)
	test.That(t, math.Abs(out.Steering), test.ShouldBeLessThanOrEqualTo, c.Config().SteeringLimits.Max)
	test.That(t, out.Debug.EffectiveSamples, test.ShouldBeBetweenOrEqual, 0.99, float64(cfg.Samples))
	test.That(t, out.Debug.MinCost, test.ShouldBeLessThanOrEqualTo, out.Debug.MeanCost)
	test.That(t, len(out.Debug.Reference), test.ShouldEqual, cfg.Horizon)
	test.That(t, c.Reference(), test.ShouldResemble, out.Debug.Reference)
}

func TestControlNotOnTrack(t *testing.T) {
	rl := testRaceline(t)
	c, err := NewController(testConfig(), testModel(t), rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	out, err := c.Control(context.Background(), Input{State: dynamics.State{X: 1e6, Y: 1e6}})
	test.That(t, errors.Is(err, raceline.ErrNotOnTrack), test.ShouldBeTrue)
	test.That(t, out.Valid, test.ShouldBeFalse)
	test.That(t, out.Throttle, test.ShouldEqual, 0)
	test.That(t, out.Steering, test.ShouldEqual, 0)
	test.That(t, c.Reference(), test.ShouldResemble, make([]dynamics.Control, testConfig().Horizon))
}

func TestControlSingleSample(t *testing.T) {
	rl := testRaceline(t)
	cfg := testConfig()
	cfg.Samples = 1
	c, err := NewController(cfg, testModel(t), rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	out, err := c.Control(context.Background(), Input{State: onStraight})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.weights, test.ShouldResemble, []float64{1})
	for i, u := range out.Debug.Reference {
		test.That(t, u.Throttle, test.ShouldEqual, c.applied[i*controlDim])
		test.That(t, u.Steering, test.ShouldEqual, c.applied[i*controlDim+1])
	}
	test.That(t, out.Debug.EffectiveSamples, test.ShouldEqual, 1)
}

func runTicks(t *testing.T, c *Controller, model dynamics.Model, ticks int) []Output {
	t.Helper()
	state := onStraight
	var outs []Output
	for i := 0; i < ticks; i++ {
		out, err := c.Control(context.Background(), Input{State: state})
		test.That(t, err, test.ShouldBeNil)
		outs = append(outs, out)
		state = model.Advance(state, dynamics.Control{Throttle: out.Throttle, Steering: out.Steering}, c.Config().DT)
	}
	return outs
}

func controls(outs []Output) []dynamics.Control {
	return lo.Map(outs, func(o Output, _ int) dynamics.Control {
		return dynamics.Control{Throttle: o.Throttle, Steering: o.Steering}
	})
}

func TestControlDeterministic(t *testing.T) {
	rl := testRaceline(t)
	model := testModel(t)
	cfg := testConfig()
	cfg.Workers = 1
	a, err := NewController(cfg, model, rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	cfg.Workers = 4
	b, err := NewController(cfg, model, rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, controls(runTicks(t, a, model, 3)), test.ShouldResemble, controls(runTicks(t, b, model, 3)))
}

func TestZeroRatioMatchesMPPI(t *testing.T) {
	rl := testRaceline(t)
	model := testModel(t)
	cfg := testConfig()
	plain, err := NewController(cfg, model, rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	cfg.Algorithm = AlgorithmCCMPPI
	cfg.CCRatio = lo.ToPtr(0.0)
	steered, err := NewController(cfg, model, rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	plainOuts := runTicks(t, plain, model, 3)
	steeredOuts := runTicks(t, steered, model, 3)
	test.That(t, controls(steeredOuts), test.ShouldResemble, controls(plainOuts))
	test.That(t, steeredOuts[0].Debug.SteeredSamples, test.ShouldEqual, 0)
}

func TestControlCCMPPI(t *testing.T) {
	rl := testRaceline(t)
	model := testModel(t)
	cfg := testConfig()
	cfg.Samples = 64
	cfg.Algorithm = AlgorithmCCMPPI
	cfg.CCRatio = lo.ToPtr(0.5)
	cfg.TerminalPositionVariance = 1e-4
	c, err := NewController(cfg, model, rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	state := onStraight
	state.VForward = 1
	out, err := c.Control(context.Background(), Input{State: state})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Valid, test.ShouldBeTrue)
	test.That(t, out.Debug.SteeredSamples, test.ShouldEqual, 32)
	test.That(t, out.Debug.Lambda, test.ShouldBeGreaterThan, 0)
	for k := 0; k < cfg.Samples; k++ {
		test.That(t, math.IsInf(c.costs[k], 0), test.ShouldBeFalse)
	}
}

func TestControlShiftWarmStart(t *testing.T) {
	rl := testRaceline(t)
	cfg := testConfig()
	cfg.ShiftWarmStart = true
	c, err := NewController(cfg, testModel(t), rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	out, err := c.Control(context.Background(), Input{State: onStraight})
	test.That(t, err, test.ShouldBeNil)
	ref := c.Reference()
	test.That(t, ref[:cfg.Horizon-1], test.ShouldResemble, out.Debug.Reference[1:])
	test.That(t, ref[cfg.Horizon-1], test.ShouldResemble, dynamics.Control{})

	c.Reset()
	test.That(t, c.Reference(), test.ShouldResemble, make([]dynamics.Control, cfg.Horizon))

	cfg.ShiftWarmStart = false
	cfg.DisableWarmStart = true
	c, err = NewController(cfg, testModel(t), rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	_, err = c.Control(context.Background(), Input{State: onStraight})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Reference(), test.ShouldResemble, make([]dynamics.Control, cfg.Horizon))
}

// nanModel diverges on every step.
type nanModel struct {
	dynamics.Model
}

func (m nanModel) Advance(s dynamics.State, u dynamics.Control, dt float64) dynamics.State {
	s.X = math.NaN()
	return s
}

func TestControlNumericalFailure(t *testing.T) {
	rl := testRaceline(t)
	c, err := NewController(testConfig(), nanModel{testModel(t)}, rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	out, err := c.Control(context.Background(), Input{State: onStraight})
	test.That(t, errors.Is(err, ErrNumerical), test.ShouldBeTrue)
	test.That(t, out.Valid, test.ShouldBeFalse)
	test.That(t, c.Reference(), test.ShouldResemble, make([]dynamics.Control, testConfig().Horizon))
}

func TestControlCanceled(t *testing.T) {
	rl := testRaceline(t)
	c, err := NewController(testConfig(), testModel(t), rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := c.Control(ctx, Input{State: onStraight})
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, out.Valid, test.ShouldBeFalse)
}

func TestOpponentPenalty(t *testing.T) {
	rl := testRaceline(t)
	model := testModel(t)
	cfg := testConfig()
	cfg.Samples = 1
	cfg.CostWeights = CostWeights{Opponent: 1000, OpponentRadius: 0.5}

	free, err := NewController(cfg, model, rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	_, err = free.Control(context.Background(), Input{State: onStraight, DT: 0.01})
	test.That(t, err, test.ShouldBeNil)

	blocked, err := NewController(cfg, model, rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	opp := PredictOpponent(rl.Table(), onStraight, cfg.Horizon, 0)
	_, err = blocked.Control(context.Background(), Input{State: onStraight, DT: 0.01, Opponents: [][]r2.Point{opp}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, blocked.costs[0]-free.costs[0], test.ShouldAlmostEqual, 1000*float64(cfg.Horizon), 1e-6)
}

func TestSearchWindowFollowsFastVehicle(t *testing.T) {
	rl := testRaceline(t)
	c, err := NewController(testConfig(), testModel(t), rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	table := rl.Table()

	// well above the 2 m/s profile cap, and a long step
	for _, tc := range []struct{ speed, dt float64 }{{8, 0.03}, {2, 0.1}, {0, 0.03}} {
		window := c.searchWindow(tc.speed, tc.dt)
		test.That(t, float64(window)*table.Spacing(), test.ShouldBeGreaterThan, tc.speed*tc.dt)

		hint := 0
		for step := 1; step <= 40; step++ {
			want := table.Index(tc.speed * tc.dt * float64(step))
			idx, lat := table.Nearest(table.At(want).Point(), hint, window)
			test.That(t, idx, test.ShouldEqual, want)
			test.That(t, lat, test.ShouldAlmostEqual, 0, 1e-9)
			hint = idx
		}
	}
}

func TestNewControllerResourceCap(t *testing.T) {
	rl := testRaceline(t)
	cfg := testConfig()
	cfg.MaxRolloutBytes = 1024
	_, err := NewController(cfg, testModel(t), rl, golog.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrResourceExhausted), test.ShouldBeTrue)

	cfg.MaxRolloutBytes = rolloutBytes(cfg.WithDefaults(), 4)
	_, err = NewController(cfg, testModel(t), rl, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
}
