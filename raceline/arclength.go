package raceline

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/interp"

	"go.viam.com/racer/utils"
)

// DefaultArclengthSteps is the number of chords summed to measure a loop.
const DefaultArclengthSteps = 1000

// Arclength converts between curve parameter and distance traveled from u = 0.
type Arclength struct {
	period float64
	total  float64
	uToS   interp.FritschButland
	sToU   interp.FritschButland
}

// ArclengthReparameterize measures the curve by summing steps chords over one period
// and fits monotone cubic maps in both directions.
func ArclengthReparameterize(c *Curve, steps int) (*Arclength, error) {
	if steps < 1 {
		return nil, errors.Errorf("arclength steps must be positive, got %d", steps)
	}
	period := c.Period()
	us := make([]float64, steps+1)
	ss := make([]float64, steps+1)
	prev := c.Point(0)
	for i := 1; i <= steps; i++ {
		us[i] = period * float64(i) / float64(steps)
		p := c.Point(us[i])
		chord := p.Sub(prev).Norm()
		if chord == 0 {
			return nil, errors.Errorf("curve is degenerate near u=%.3f", us[i])
		}
		ss[i] = ss[i-1] + chord
		prev = p
	}
	a := &Arclength{period: period, total: ss[steps]}
	if err := a.uToS.Fit(us, ss); err != nil {
		return nil, errors.Wrap(err, "failed to fit u to s")
	}
	if err := a.sToU.Fit(ss, us); err != nil {
		return nil, errors.Wrap(err, "failed to fit s to u")
	}
	return a, nil
}

// Total is the length of one loop.
func (a *Arclength) Total() float64 {
	return a.total
}

// S returns the distance along the loop at parameter u, in [0, Total).
func (a *Arclength) S(u float64) float64 {
	s := a.uToS.Predict(utils.PositiveMod(u, a.period))
	return utils.PositiveMod(s, a.total)
}

// U returns the parameter at distance s along the loop, in [0, period).
func (a *Arclength) U(s float64) float64 {
	u := a.sToU.Predict(utils.PositiveMod(s, a.total))
	return utils.PositiveMod(u, a.period)
}
