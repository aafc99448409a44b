// Package raceline fits the reference path a car follows around a track and answers
// where a car is relative to it.
package raceline

import (
	"context"
	"math"
	"runtime"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/racer/speedprofile"
	"go.viam.com/racer/track"
	rutils "go.viam.com/racer/utils"
)

// ErrNotOnTrack is returned when a position cannot be matched to any track tile.
var ErrNotOnTrack = errors.New("position is not on the track")

// localizeWindow is the half width, in curve parameter, searched around the
// coarse estimate.
const localizeWindow = 0.6

// Config controls how the raceline is fitted and sampled.
type Config struct {
	Smoothing      float64             `json:"smoothing"`
	ArclengthSteps int                 `json:"arclength_steps"`
	Samples        int                 `json:"samples"`
	SpeedProfile   speedprofile.Config `json:"speed_profile"`
}

// WithDefaults fills unset fields.
func (cfg Config) WithDefaults() Config {
	if cfg.ArclengthSteps == 0 {
		cfg.ArclengthSteps = DefaultArclengthSteps
	}
	if cfg.Samples == 0 {
		cfg.Samples = DefaultSamples
	}
	cfg.SpeedProfile = cfg.SpeedProfile.WithDefaults()
	return cfg
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Smoothing < 0 {
		return utils.NewConfigValidationError(path, errors.New("smoothing must not be negative"))
	}
	if cfg.ArclengthSteps < 0 {
		return utils.NewConfigValidationError(path, errors.New("arclength_steps must not be negative"))
	}
	if cfg.Samples < 0 || (cfg.Samples > 0 && cfg.Samples < 3) {
		return utils.NewConfigValidationError(path, errors.New("samples must be at least 3"))
	}
	return cfg.SpeedProfile.Validate(path + ".speed_profile")
}

// Pose is a planar position and heading.
type Pose struct {
	X, Y    float64
	Heading float64
}

// Localization describes a point relative to the raceline.
type Localization struct {
	// S is the arclength of the closest raceline point.
	S float64
	// U is the curve parameter of the closest raceline point.
	U float64
	// Sample is the index of the table sample at or before S.
	Sample int
	// LateralOffset is the signed distance to the raceline, negative to its right.
	LateralOffset float64
	// HeadingError is the vehicle heading minus the raceline heading, in (-pi, pi].
	HeadingError   float64
	Curvature      float64
	TargetVelocity float64
	Point          r2.Point
	Heading        float64
}

// Raceline is a fitted reference path with its speed profile and discretized table.
// It is immutable and safe to share between controllers.
type Raceline struct {
	track   *track.Track
	curve   *Curve
	arc     *Arclength
	profile *speedprofile.Profile
	table   *Table
}

// New fits the raceline through the track's control points, solves its speed
// profile and samples it, including wall clearances.
func New(ctx context.Context, tr *track.Track, cfg Config, logger golog.Logger) (*Raceline, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate("raceline"); err != nil {
		return nil, err
	}
	rl, err := fit(tr, cfg)
	if err != nil {
		return nil, err
	}

	n := cfg.Samples
	ds := rl.arc.Total() / float64(n)
	pts := make([]r2.Point, n)
	for i := range pts {
		pts[i] = rl.curve.Point(rl.arc.U(float64(i) * ds))
	}
	samples := make([]Sample, n)
	curvature := make([]float64, n)
	for i := range samples {
		d1, d2 := lagrangeDerivatives(pts[(i+n-1)%n], pts[i], pts[(i+1)%n], -ds, ds)
		curvature[i] = signedCurvature(d1, d2)
		samples[i] = Sample{
			S:         float64(i) * ds,
			X:         pts[i].X,
			Y:         pts[i].Y,
			Heading:   math.Atan2(d1.Y, d1.X),
			Curvature: curvature[i],
		}
	}

	rl.profile, err = speedprofile.Solve(curvature, ds, cfg.SpeedProfile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to solve speed profile")
	}
	speeds := rl.profile.Speeds()
	for i := range samples {
		samples[i].TargetVelocity = speeds[i]
	}

	if err := computeClearances(ctx, tr, samples); err != nil {
		return nil, err
	}
	rl.table, err = NewTable(samples, rl.arc.Total())
	if err != nil {
		return nil, err
	}
	logger.Debugw("built raceline",
		"tiles", tr.Len(), "length", rl.arc.Total(), "samples", n,
		"min_speed", minSpeed(speeds), "max_speed", maxSpeed(speeds))
	return rl, nil
}

// Load rebuilds a raceline around a previously computed table, skipping the speed
// profile solve and the clearance marching.
func Load(tr *track.Track, cfg Config, table *Table) (*Raceline, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate("raceline"); err != nil {
		return nil, err
	}
	rl, err := fit(tr, cfg)
	if err != nil {
		return nil, err
	}
	if math.Abs(rl.arc.Total()-table.TotalLength()) > 1e-6*rl.arc.Total() {
		return nil, errors.Errorf("stored table length %.4f does not match track length %.4f",
			table.TotalLength(), rl.arc.Total())
	}
	speeds := make([]float64, table.Len())
	for i := range speeds {
		speeds[i] = table.At(i).TargetVelocity
	}
	rl.profile, err = speedprofile.FromSpeeds(speeds, table.Spacing())
	if err != nil {
		return nil, err
	}
	rl.table = table
	return rl, nil
}

func fit(tr *track.Track, cfg Config) (*Raceline, error) {
	curve, err := Build(tr.ControlPoints(), true, cfg.Smoothing)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fit raceline")
	}
	arc, err := ArclengthReparameterize(curve, cfg.ArclengthSteps)
	if err != nil {
		return nil, err
	}
	return &Raceline{track: tr, curve: curve, arc: arc}, nil
}

func computeClearances(ctx context.Context, tr *track.Track, samples []Sample) error {
	g, ctx := errgroup.WithContext(ctx)
	workers := runtime.GOMAXPROCS(0)
	chunk := (len(samples) + workers - 1) / workers
	for from := 0; from < len(samples); from += chunk {
		from, to := from, from+chunk
		if to > len(samples) {
			to = len(samples)
		}
		g.Go(func() error {
			for i := from; i < to; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				s := &samples[i]
				s.LeftClearance, s.RightClearance = tr.BoundaryClearance(s.Point(), s.Heading)
			}
			return nil
		})
	}
	return errors.Wrap(g.Wait(), "failed to compute boundary clearances")
}

func minSpeed(v []float64) float64 {
	m := math.Inf(1)
	for _, x := range v {
		m = math.Min(m, x)
	}
	return m
}

func maxSpeed(v []float64) float64 {
	m := math.Inf(-1)
	for _, x := range v {
		m = math.Max(m, x)
	}
	return m
}

// Track is the track the raceline was fitted on.
func (rl *Raceline) Track() *track.Track {
	return rl.track
}

// Curve is the fitted spline.
func (rl *Raceline) Curve() *Curve {
	return rl.curve
}

// Arclength is the parameter to distance mapping.
func (rl *Raceline) Arclength() *Arclength {
	return rl.arc
}

// Profile is the speed profile along the raceline.
func (rl *Raceline) Profile() *speedprofile.Profile {
	return rl.profile
}

// Table is the discretized raceline.
func (rl *Raceline) Table() *Table {
	return rl.table
}

// TotalLength is the length of one lap.
func (rl *Raceline) TotalLength() float64 {
	return rl.arc.Total()
}

// PointAt returns the raceline position at arclength s.
func (rl *Raceline) PointAt(s float64) r2.Point {
	return rl.curve.Point(rl.arc.U(s))
}

// HeadingAt returns the raceline heading at arclength s.
func (rl *Raceline) HeadingAt(s float64) float64 {
	return rl.curve.Heading(rl.arc.U(s))
}

// CurvatureAt estimates signed curvature at arclength s from three nearby points.
func (rl *Raceline) CurvatureAt(s float64) float64 {
	h := rl.table.Spacing()
	d1, d2 := lagrangeDerivatives(rl.PointAt(s-h), rl.PointAt(s), rl.PointAt(s+h), -h, h)
	return signedCurvature(d1, d2)
}

// Localize projects the point referencePointOffset ahead of the pose onto the
// raceline. The search always starts from the tile the point is in.
func (rl *Raceline) Localize(pose Pose, referencePointOffset float64) (Localization, error) {
	sin, cos := math.Sincos(pose.Heading)
	p := r2.Point{X: pose.X + referencePointOffset*cos, Y: pose.Y + referencePointOffset*sin}
	if !rutils.Finite(p.X, p.Y) {
		return Localization{}, errors.Wrapf(ErrNotOnTrack, "invalid position %v", p)
	}
	seq, ok := rl.track.SequenceNumber(p)
	if !ok {
		return Localization{}, errors.Wrapf(ErrNotOnTrack, "no tile at (%.2f, %.2f)", p.X, p.Y)
	}

	dist2 := func(u float64) float64 {
		d := rl.curve.Point(u).Sub(p)
		return d.Dot(d)
	}
	u0 := float64(seq)
	if dist2(u0+1) < dist2(u0) {
		u0++
	}
	if dist2(u0-1) < dist2(u0) {
		u0--
	}

	u := u0 + minimizeCubicFit(func(du float64) float64 { return dist2(u0 + du) }, localizeWindow)
	u = rutils.PositiveMod(u, rl.curve.Period())

	closest := rl.curve.Point(u)
	tangent := rl.curve.Derivative(u)
	// the normal component of the offset is insensitive to small errors of the
	// fitted minimum along the path
	lateral := tangent.Normalize().Cross(p.Sub(closest))
	s := rl.arc.S(u)
	heading := math.Atan2(tangent.Y, tangent.X)
	return Localization{
		S:              s,
		U:              u,
		Sample:         rl.profile.Bucket(s),
		LateralOffset:  lateral,
		HeadingError:   rutils.WrapAngle(pose.Heading - heading),
		Curvature:      rl.curve.Curvature(u),
		TargetVelocity: rl.profile.At(s),
		Point:          closest,
		Heading:        heading,
	}, nil
}

// minimizeCubicFit samples f at five points across [-w, w], fits a cubic by least
// squares and returns the minimizer of that cubic within [-w, w].
func minimizeCubicFit(f func(float64) float64, w float64) float64 {
	xs := []float64{-w, -w / 2, 0, w / 2, w}
	a := mat.NewDense(len(xs), 4, nil)
	b := mat.NewVecDense(len(xs), nil)
	for i, x := range xs {
		a.SetRow(i, []float64{x * x * x, x * x, x, 1})
		b.SetVec(i, f(x))
	}
	var coef mat.VecDense
	if err := coef.SolveVec(a, b); err != nil {
		return bestSample(xs, f)
	}
	c3, c2, c1, c0 := coef.AtVec(0), coef.AtVec(1), coef.AtVec(2), coef.AtVec(3)
	cubic := func(x float64) float64 { return ((c3*x+c2)*x+c1)*x + c0 }

	candidates := []float64{-w, w}
	// stationary points of the cubic: 3*c3*x^2 + 2*c2*x + c1 = 0
	qa, qb, qc := 3*c3, 2*c2, c1
	switch {
	case math.Abs(qa) < 1e-12:
		if math.Abs(qb) > 1e-12 {
			candidates = append(candidates, -qc/qb)
		}
	default:
		if disc := qb*qb - 4*qa*qc; disc >= 0 {
			sq := math.Sqrt(disc)
			candidates = append(candidates, (-qb+sq)/(2*qa), (-qb-sq)/(2*qa))
		}
	}
	best, bestVal := 0.0, math.Inf(1)
	for _, x := range candidates {
		if x < -w || x > w || math.IsNaN(x) {
			continue
		}
		if v := cubic(x); v < bestVal {
			best, bestVal = x, v
		}
	}
	return best
}

func bestSample(xs []float64, f func(float64) float64) float64 {
	best, bestVal := 0.0, math.Inf(1)
	for _, x := range xs {
		if v := f(x); v < bestVal {
			best, bestVal = x, v
		}
	}
	return best
}
