package raceline

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/racer/utils"
)

// Curve is a closed cubic spline with unit knot spacing. Knot k sits at parameter
// u = k and the parameter wraps with period equal to the number of knots.
type Curve struct {
	// knot values and second derivatives, per axis
	gx, gy []float64
	cx, cy []float64
}

// Build fits a periodic smoothing spline through ordered control points. The list
// must be closed: its first and last points coincide, and the duplicate is dropped.
// A zero smoothing interpolates the points exactly; larger values trade fidelity
// for lower bending energy.
func Build(controlPoints []r2.Point, closed bool, smoothing float64) (*Curve, error) {
	if !closed {
		return nil, errors.New("only closed curves are supported")
	}
	if smoothing < 0 || math.IsNaN(smoothing) {
		return nil, errors.Errorf("smoothing must not be negative, got %v", smoothing)
	}
	if len(controlPoints) < 2 {
		return nil, errors.Errorf("need at least 3 control points, got %d", len(controlPoints))
	}
	first, last := controlPoints[0], controlPoints[len(controlPoints)-1]
	extent := 1.0
	for _, p := range controlPoints {
		extent = math.Max(extent, math.Max(math.Abs(p.X), math.Abs(p.Y)))
	}
	if first.Sub(last).Norm() > 1e-6*extent {
		return nil, errors.Errorf("curve does not close: first point %v, last point %v", first, last)
	}
	pts := controlPoints[:len(controlPoints)-1]
	n := len(pts)
	if n < 3 {
		return nil, errors.Errorf("need at least 3 control points, got %d", n)
	}
	for i := range pts {
		if pts[i].Sub(pts[(i+1)%n]).Norm() == 0 {
			return nil, errors.Errorf("control points %d and %d coincide", i, (i+1)%n)
		}
	}

	// Reinsch form with unit spacing: second derivatives solve
	// (R + smoothing*Q*Q) c = Q y, and knot values are g = y - smoothing*Q*c.
	// Q is the periodic second difference and R the periodic tridiagonal
	// continuity matrix; both are circulant and symmetric.
	q := mat.NewDense(n, n, nil)
	r := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		prev, next := (i+n-1)%n, (i+1)%n
		q.Set(i, i, -2)
		q.Set(i, prev, q.At(i, prev)+1)
		q.Set(i, next, q.At(i, next)+1)
		r.Set(i, i, 2.0/3)
		r.Set(i, prev, r.At(i, prev)+1.0/6)
		r.Set(i, next, r.At(i, next)+1.0/6)
	}
	y := mat.NewDense(n, 2, nil)
	for i, p := range pts {
		y.Set(i, 0, p.X)
		y.Set(i, 1, p.Y)
	}

	var lhs, qq mat.Dense
	qq.Mul(q, q)
	qq.Scale(smoothing, &qq)
	lhs.Add(r, &qq)

	var rhs, c mat.Dense
	rhs.Mul(q, y)
	if err := c.Solve(&lhs, &rhs); err != nil {
		return nil, errors.Wrap(err, "failed to solve spline system")
	}
	var qc, g mat.Dense
	qc.Mul(q, &c)
	qc.Scale(smoothing, &qc)
	g.Sub(y, &qc)

	return &Curve{
		gx: mat.Col(nil, 0, &g),
		gy: mat.Col(nil, 1, &g),
		cx: mat.Col(nil, 0, &c),
		cy: mat.Col(nil, 1, &c),
	}, nil
}

// Period is the parameter length of one loop, equal to the number of knots.
func (c *Curve) Period() float64 {
	return float64(len(c.gx))
}

func (c *Curve) segment(u float64) (i, j int, t float64) {
	n := len(c.gx)
	u = utils.PositiveMod(u, float64(n))
	i = int(u)
	if i >= n {
		i = n - 1
	}
	return i, (i + 1) % n, u - float64(i)
}

// Point evaluates the curve at parameter u.
func (c *Curve) Point(u float64) r2.Point {
	i, j, t := c.segment(u)
	s := 1 - t
	a := (s*s*s - s) / 6
	b := (t*t*t - t) / 6
	return r2.Point{
		X: s*c.gx[i] + t*c.gx[j] + a*c.cx[i] + b*c.cx[j],
		Y: s*c.gy[i] + t*c.gy[j] + a*c.cy[i] + b*c.cy[j],
	}
}

// Derivative is dr/du at parameter u.
func (c *Curve) Derivative(u float64) r2.Point {
	i, j, t := c.segment(u)
	s := 1 - t
	a := -(3*s*s - 1) / 6
	b := (3*t*t - 1) / 6
	return r2.Point{
		X: c.gx[j] - c.gx[i] + a*c.cx[i] + b*c.cx[j],
		Y: c.gy[j] - c.gy[i] + a*c.cy[i] + b*c.cy[j],
	}
}

// SecondDerivative is d2r/du2 at parameter u.
func (c *Curve) SecondDerivative(u float64) r2.Point {
	i, j, t := c.segment(u)
	return r2.Point{
		X: (1-t)*c.cx[i] + t*c.cx[j],
		Y: (1-t)*c.cy[i] + t*c.cy[j],
	}
}

// Heading is the direction of travel at parameter u.
func (c *Curve) Heading(u float64) float64 {
	d := c.Derivative(u)
	return math.Atan2(d.Y, d.X)
}

// Curvature is the signed curvature at parameter u; left turns are positive.
func (c *Curve) Curvature(u float64) float64 {
	return signedCurvature(c.Derivative(u), c.SecondDerivative(u))
}

// signedCurvature is (R d1)·d2 / |d1|^3 with R the +90 degree rotation.
func signedCurvature(d1, d2 r2.Point) float64 {
	norm := d1.Norm()
	if norm == 0 {
		return 0
	}
	return d1.Ortho().Dot(d2) / (norm * norm * norm)
}

// lagrangeDerivatives estimates the first and second derivative at the middle of
// three samples taken at offsets sl < 0 < sr from it.
func lagrangeDerivatives(pl, p, pr r2.Point, sl, sr float64) (d1, d2 r2.Point) {
	al := -sr / sl / (sl - sr)
	a := -(sl + sr) / sl / sr
	ar := -sl / sr / (sr - sl)
	bl := 2 / sl / (sl - sr)
	b := 2 / sl / sr
	br := 2 / sr / (sr - sl)
	d1 = pl.Mul(al).Add(p.Mul(a)).Add(pr.Mul(ar))
	d2 = pl.Mul(bl).Add(p.Mul(b)).Add(pr.Mul(br))
	return d1, d2
}
