package raceline

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/racer/utils"
)

// DefaultSamples is the resolution of the discretized raceline.
const DefaultSamples = 1024

// Sample is one row of the discretized raceline.
type Sample struct {
	S              float64 `json:"s"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Heading        float64 `json:"heading"`
	Curvature      float64 `json:"curvature"`
	TargetVelocity float64 `json:"target_velocity"`
	LeftClearance  float64 `json:"left_clearance"`
	RightClearance float64 `json:"right_clearance"`
}

// Point is the sample position.
func (s Sample) Point() r2.Point {
	return r2.Point{X: s.X, Y: s.Y}
}

// Table is the raceline sampled at uniform arclength. It is read-only once built
// and safe for concurrent use.
type Table struct {
	samples []Sample
	ds      float64
	total   float64
}

// NewTable wraps samples spaced evenly over a loop of the given total length.
func NewTable(samples []Sample, total float64) (*Table, error) {
	if len(samples) < 3 {
		return nil, errors.Errorf("need at least 3 samples, got %d", len(samples))
	}
	if !(total > 0) {
		return nil, errors.Errorf("total length must be positive, got %v", total)
	}
	ds := total / float64(len(samples))
	for i, s := range samples {
		if !utils.Finite(s.S, s.X, s.Y, s.Heading, s.Curvature, s.TargetVelocity, s.LeftClearance, s.RightClearance) {
			return nil, errors.Errorf("sample %d is not finite", i)
		}
		if math.Abs(s.S-float64(i)*ds) > 1e-6*total {
			return nil, errors.Errorf("sample %d at s=%.4f is not evenly spaced", i, s.S)
		}
	}
	return &Table{samples: samples, ds: ds, total: total}, nil
}

// Len is the number of samples.
func (t *Table) Len() int {
	return len(t.samples)
}

// At returns sample i, wrapping around the loop.
func (t *Table) At(i int) Sample {
	n := len(t.samples)
	return t.samples[((i%n)+n)%n]
}

// Samples returns a copy of all samples.
func (t *Table) Samples() []Sample {
	return append([]Sample(nil), t.samples...)
}

// Spacing is the arclength between consecutive samples.
func (t *Table) Spacing() float64 {
	return t.ds
}

// TotalLength is the length of the loop.
func (t *Table) TotalLength() float64 {
	return t.total
}

// Index returns the sample nearest to arclength s.
func (t *Table) Index(s float64) int {
	n := len(t.samples)
	return int(math.Round(utils.PositiveMod(s, t.total)/t.ds)) % n
}

// Nearest searches the samples within window of hint for the one closest to p. It
// returns its index and the signed lateral offset of p from it, negative when p is
// to the right of the direction of travel.
func (t *Table) Nearest(p r2.Point, hint, window int) (int, float64) {
	n := len(t.samples)
	if window*2+1 > n {
		window = n / 2
	}
	best := 0
	bestDist := math.Inf(1)
	for k := -window; k <= window; k++ {
		i := ((hint+k)%n + n) % n
		s := &t.samples[i]
		dx, dy := p.X-s.X, p.Y-s.Y
		if d := dx*dx + dy*dy; d < bestDist {
			best, bestDist = i, d
		}
	}
	s := &t.samples[best]
	sin, cos := math.Sincos(s.Heading)
	return best, cos*(p.Y-s.Y) - sin*(p.X-s.X)
}
