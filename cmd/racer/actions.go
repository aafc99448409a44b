package main

import (
	"context"
	"fmt"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/racer/config"
	"go.viam.com/racer/control"
	"go.viam.com/racer/dynamics"
	"go.viam.com/racer/mppi"
	"go.viam.com/racer/raceline"
	"go.viam.com/racer/racelinestore"
	"go.viam.com/racer/track"
)

type actions struct {
	logger func() golog.Logger
}

func (a *actions) readConfig(c *cli.Context) (*config.Config, error) {
	return config.Read(c.String(flagConfig), a.logger())
}

func buildRaceline(ctx context.Context, cfg *config.Config, logger golog.Logger) (*raceline.Raceline, error) {
	tr, err := track.New(cfg.Track)
	if err != nil {
		return nil, err
	}
	return raceline.New(ctx, tr, cfg.Raceline, logger)
}

func (a *actions) build(c *cli.Context) (err error) {
	cfg, err := a.readConfig(c)
	if err != nil {
		return err
	}
	dbPath := c.String(flagDB)
	if dbPath == "" {
		dbPath = cfg.Store.Database
	}
	if dbPath == "" {
		return errors.New("no database given")
	}
	name := c.String(flagName)
	if name == "" {
		name = cfg.Store.Name
	}

	rl, err := buildRaceline(c.Context, cfg, a.logger())
	if err != nil {
		return err
	}
	store, err := racelinestore.Open(dbPath, a.logger())
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, store.Close())
	}()
	rec, err := store.Save(c.Context, name, rl, cfg.Raceline)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "stored raceline %q as %s: %d samples, %.3f m\n", rec.Name, rec.ID, rec.Samples, rec.TotalLength)
	return nil
}

func (a *actions) inspect(c *cli.Context) (err error) {
	store, err := racelinestore.Open(c.String(flagDB), a.logger())
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, store.Close())
	}()
	records, err := store.List(c.Context)
	if err != nil {
		return err
	}
	name := c.String(flagName)
	for _, rec := range records {
		if name != "" && rec.Name != name {
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\t%s\t%d samples\t%.3f m\n",
			rec.ID, rec.Name, rec.CreatedAt.Format(time.RFC3339), rec.Track.Description, rec.Samples, rec.TotalLength)
	}
	return nil
}

func (a *actions) loadRaceline(c *cli.Context, cfg *config.Config) (rl *raceline.Raceline, err error) {
	dbPath := c.String(flagDB)
	if dbPath == "" {
		return buildRaceline(c.Context, cfg, a.logger())
	}
	store, err := racelinestore.Open(dbPath, a.logger())
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, store.Close())
	}()
	rl, _, err = store.Load(c.Context, cfg.Store.Name)
	return rl, err
}

func (a *actions) simulate(c *cli.Context) error {
	logger := a.logger()
	cfg, err := a.readConfig(c)
	if err != nil {
		return err
	}
	ticks := cfg.Simulation.Ticks
	if c.IsSet(flagTicks) {
		ticks = c.Int(flagTicks)
	}
	rl, err := a.loadRaceline(c, cfg)
	if err != nil {
		return err
	}
	model, err := cfg.Vehicle.Build()
	if err != nil {
		return err
	}
	ctrl, err := mppi.NewController(cfg.Controller, model, rl, logger)
	if err != nil {
		return err
	}

	table := rl.Table()
	origin := table.At(0)
	home := dynamics.State{X: origin.X, Y: origin.Y, Heading: origin.Heading}
	start := cfg.Simulation.Start
	if start == nil {
		initial := home
		start = &initial
	}
	period := cfg.Loop.Period()
	vehicle := control.NewSimulatedVehicle(model, *start, period.Seconds())
	loop, err := control.NewLoop(logger, cfg.Loop, ctrl, vehicle, nil)
	if err != nil {
		return err
	}

	var latencies []float64
	loop.SetObserver(func(_ dynamics.Control, latency time.Duration) {
		latencies = append(latencies, float64(latency)/float64(time.Millisecond))
	})
	obstacles := append([]dynamics.State(nil), cfg.Simulation.Obstacles...)
	if len(obstacles) > 0 {
		horizon := ctrl.Config().Horizon
		loop.SetOpponents(func(ctx context.Context) [][]r2.Point {
			out := make([][]r2.Point, len(obstacles))
			for i, o := range obstacles {
				out[i] = mppi.PredictOpponent(table, o, horizon, period.Seconds())
			}
			return out
		})
	}

	var travelled float64
	var collisions, resets int
	prev, err := rl.Localize(raceline.Pose{X: start.X, Y: start.Y, Heading: start.Heading}, 0)
	onTrack := err == nil && rl.Track().Inside(r2.Point{X: start.X, Y: start.Y})
	if onTrack {
		home = restOn(prev)
	}
	radius := ctrl.Config().CostWeights.OpponentRadius
	for i := 0; i < ticks; i++ {
		if _, err := loop.Step(c.Context); err != nil {
			return errors.Wrapf(err, "tick %d", i)
		}
		for j, o := range obstacles {
			if o.VForward != 0 {
				p := mppi.PredictOpponent(table, o, 1, period.Seconds())[0]
				obstacles[j].X, obstacles[j].Y = p.X, p.Y
			}
		}
		state, err := vehicle.State(c.Context)
		if err != nil {
			return err
		}
		pos := r2.Point{X: state.X, Y: state.Y}
		for _, o := range obstacles {
			if pos.Sub(r2.Point{X: o.X, Y: o.Y}).Norm() < radius {
				collisions++
			}
		}
		loc, err := rl.Localize(raceline.Pose{X: state.X, Y: state.Y, Heading: state.Heading}, 0)
		if err != nil || !rl.Track().Inside(pos) {
			if cfg.Simulation.ResetOffTrack {
				logger.Debugw("vehicle left the track, resetting", "tick", i, "x", home.X, "y", home.Y)
				vehicle.Teleport(home)
				ctrl.Reset()
				resets++
			}
			onTrack = false
			continue
		}
		if onTrack {
			travelled += arcDelta(prev.S, loc.S, rl.TotalLength())
		}
		prev, onTrack = loc, true
		home = restOn(loc)
	}

	report := loop.Stats()
	fmt.Fprintf(c.App.Writer, "ticks: %d, off track: %d, numerical: %d, overruns: %d\n",
		report.Ticks, report.NotOnTrack, report.Numerical, report.Overruns)
	fmt.Fprintf(c.App.Writer, "obstacles: %d, collisions: %d, resets: %d\n", len(obstacles), collisions, resets)
	fmt.Fprintf(c.App.Writer, "travelled: %.3f m of %.3f m\n", travelled, rl.TotalLength())
	if len(latencies) == 0 {
		return nil
	}
	mean, err := stats.Mean(latencies)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "latency ms: mean %.2f", mean)
	for _, p := range []float64{50, 90, 99} {
		v, err := stats.Percentile(latencies, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, ", p%.0f %.2f", p, v)
	}
	fmt.Fprintln(c.App.Writer)
	return nil
}

// restOn is the vehicle at rest on the raceline point of loc.
func restOn(loc raceline.Localization) dynamics.State {
	return dynamics.State{X: loc.Point.X, Y: loc.Point.Y, Heading: loc.Heading}
}

// arcDelta is the signed arclength from a to b along a loop of the given length,
// taking the shorter way around.
func arcDelta(a, b, total float64) float64 {
	d := b - a
	for d > total/2 {
		d -= total
	}
	for d < -total/2 {
		d += total
	}
	return d
}
