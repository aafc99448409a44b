// Package speedprofile computes the fastest speed a car can hold at each point of a
// closed path without exceeding its traction, acceleration and braking limits.
package speedprofile

import (
	"math"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	rutils "go.viam.com/racer/utils"
)

// Config holds the vehicle limits the profile is solved against.
type Config struct {
	Mu       float64 `json:"mu"`
	Gravity  float64 `json:"gravity"`
	AccelCap float64 `json:"accel_cap"`
	BrakeCap float64 `json:"brake_cap"`
	MaxSpeed float64 `json:"max_speed"`
}

// WithDefaults fills unset fields with the limits of the 1/28 scale car.
func (cfg Config) WithDefaults() Config {
	if cfg.Mu == 0 {
		cfg.Mu = 1.1
	}
	if cfg.Gravity == 0 {
		cfg.Gravity = 9.81
	}
	if cfg.AccelCap == 0 {
		cfg.AccelCap = 3.3
	}
	if cfg.BrakeCap == 0 {
		cfg.BrakeCap = 4.5
	}
	if cfg.MaxSpeed == 0 {
		cfg.MaxSpeed = 10
	}
	return cfg
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"mu", cfg.Mu},
		{"gravity", cfg.Gravity},
		{"accel_cap", cfg.AccelCap},
		{"brake_cap", cfg.BrakeCap},
		{"max_speed", cfg.MaxSpeed},
	} {
		if f.value < 0 || math.IsNaN(f.value) {
			return utils.NewConfigValidationError(path, errors.Errorf("%s must not be negative", f.name))
		}
	}
	return nil
}

// Profile is a solved speed profile over a closed path sampled every Spacing meters.
type Profile struct {
	ds    float64
	total float64
	v1    []float64
	v2    []float64
	v3    []float64
	fit   interp.FritschButland
}

// Solve runs the three passes over curvature samples spaced ds apart along a closed
// path. The first sample follows the last one.
//
// Pass one bounds speed by lateral grip alone. Pass two sweeps forward once around
// the loop from the slowest point, only allowing speed to grow as fast as the grip
// left over from cornering and the motor allow. Pass three does the same backwards
// with the braking limit, starting from the slowest point of pass two.
func Solve(curvature []float64, ds float64, cfg Config) (*Profile, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate("speed_profile"); err != nil {
		return nil, err
	}
	n := len(curvature)
	if n < 3 {
		return nil, errors.Errorf("need at least 3 curvature samples, got %d", n)
	}
	if !(ds > 0) {
		return nil, errors.Errorf("sample spacing must be positive, got %v", ds)
	}
	if !rutils.Finite(curvature...) {
		return nil, errors.New("curvature samples must be finite")
	}

	mug := cfg.Mu * cfg.Gravity
	p := &Profile{
		ds:    ds,
		total: ds * float64(n),
		v1:    make([]float64, n),
		v2:    make([]float64, n),
		v3:    make([]float64, n),
	}

	for i, k := range curvature {
		p.v1[i] = math.Min(cfg.MaxSpeed, math.Sqrt(mug/math.Abs(k)))
	}

	// next speed given the current one, the curvature ahead and the cap there
	step := func(v, k, limit, longCap float64) float64 {
		aLat := v * v * math.Abs(k)
		remaining := mug*mug - aLat*aLat
		if remaining <= 0 {
			return limit
		}
		aLon := math.Min(longCap, math.Sqrt(remaining))
		return math.Min(limit, math.Sqrt(v*v+2*aLon*ds))
	}

	start := floats.MinIdx(p.v1)
	p.v2[start] = p.v1[start]
	for i := 0; i < n; i++ {
		cur := (start + i) % n
		next := (cur + 1) % n
		p.v2[next] = step(p.v2[cur], curvature[next], p.v1[next], cfg.AccelCap)
	}

	start = floats.MinIdx(p.v2)
	p.v3[start] = p.v2[start]
	for i := 0; i < n; i++ {
		cur := (start - i + n) % n
		prev := (cur - 1 + n) % n
		p.v3[prev] = step(p.v3[cur], curvature[prev], p.v2[prev], cfg.BrakeCap)
	}

	if err := p.fitSpeeds(); err != nil {
		return nil, err
	}
	return p, nil
}

// FromSpeeds wraps an already solved speed bound sampled ds apart, such as one read
// back from storage. All three passes report the same speeds.
func FromSpeeds(speeds []float64, ds float64) (*Profile, error) {
	n := len(speeds)
	if n < 3 {
		return nil, errors.Errorf("need at least 3 speed samples, got %d", n)
	}
	if !(ds > 0) {
		return nil, errors.Errorf("sample spacing must be positive, got %v", ds)
	}
	if !rutils.Finite(speeds...) {
		return nil, errors.New("speed samples must be finite")
	}
	p := &Profile{
		ds:    ds,
		total: ds * float64(n),
		v1:    append([]float64(nil), speeds...),
		v2:    append([]float64(nil), speeds...),
		v3:    append([]float64(nil), speeds...),
	}
	if err := p.fitSpeeds(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) fitSpeeds() error {
	n := len(p.v3)
	xs := make([]float64, n+1)
	ys := make([]float64, n+1)
	for i := 0; i <= n; i++ {
		xs[i] = float64(i) * p.ds
		ys[i] = p.v3[i%n]
	}
	return errors.Wrap(p.fit.Fit(xs, ys), "failed to fit speed profile")
}

// At returns the speed bound at arclength s. s wraps around the loop.
func (p *Profile) At(s float64) float64 {
	return p.fit.Predict(rutils.PositiveMod(s, p.total))
}

// Bucket returns the index of the sample at or before arclength s in O(1).
func (p *Profile) Bucket(s float64) int {
	n := len(p.v3)
	i := int(rutils.PositiveMod(s, p.total) / p.ds)
	if i >= n {
		i = n - 1
	}
	return i
}

// Len is the number of samples.
func (p *Profile) Len() int {
	return len(p.v3)
}

// Spacing is the arclength between samples.
func (p *Profile) Spacing() float64 {
	return p.ds
}

// TotalLength is the length of the loop.
func (p *Profile) TotalLength() float64 {
	return p.total
}

// Speeds returns a copy of the final per-sample speed bound.
func (p *Profile) Speeds() []float64 {
	return append([]float64(nil), p.v3...)
}

// Passes returns copies of the intermediate grip, acceleration and final bounds.
func (p *Profile) Passes() (grip, accel, final []float64) {
	return append([]float64(nil), p.v1...), append([]float64(nil), p.v2...), append([]float64(nil), p.v3...)
}
