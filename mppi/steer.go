package mppi

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/racer/dynamics"
)

const (
	jacobianStep   = 1e-5
	bisectionSteps = 40
	minLambda      = 1e-6
	maxLambda      = 1e6
)

// steering holds the per step linearization and feedback gains along the nominal
// trajectory, flattened row major: a is T*n*n, b is T*n*m and k is T*m*n.
type steering struct {
	n, m    int
	a, b, k []float64
	lambda  float64
	// open and closed are the terminal position covariance traces without and with
	// feedback.
	open, closed float64
}

func (g *steering) gain(t int) []float64 {
	sz := g.m * g.n
	return g.k[t*sz : (t+1)*sz]
}

// propagate advances a deviation state y by one step given the applied deviation
// delta, writing into next.
func (g *steering) propagate(t int, y, delta, next []float64) {
	n, m := g.n, g.m
	a := g.a[t*n*n : (t+1)*n*n]
	b := g.b[t*n*m : (t+1)*n*m]
	for i := 0; i < n; i++ {
		var v float64
		for j := 0; j < n; j++ {
			v += a[i*n+j] * y[j]
		}
		for j := 0; j < m; j++ {
			v += b[i*m+j] * delta[j]
		}
		next[i] = v
	}
}

// steerer computes covariance steering gains that shrink the terminal position
// spread of the perturbed rollouts towards a target variance.
type steerer struct {
	model     dynamics.Model
	noiseCov  *mat.SymDense
	noiseInv  *mat.SymDense
	targetVar float64
}

func newSteerer(model dynamics.Model, noise *noiseSampler, targetVar float64) *steerer {
	return &steerer{model: model, noiseCov: noise.cov, noiseInv: noise.inv, targetVar: targetVar}
}

// linearize rolls the reference sequence out from the start state and returns the
// finite difference Jacobians of every step.
func (s *steerer) linearize(start dynamics.State, ref []dynamics.Control, dt float64) (as, bs []*mat.Dense) {
	n := s.model.StateDim()
	as = make([]*mat.Dense, len(ref))
	bs = make([]*mat.Dense, len(ref))
	x := make([]float64, n)
	plus := make([]float64, n)
	minus := make([]float64, n)
	fp := make([]float64, n)
	fm := make([]float64, n)

	state := start
	for t, u := range ref {
		s.model.ToVector(state, x)
		a := mat.NewDense(n, n, nil)
		for j := 0; j < n; j++ {
			copy(plus, x)
			copy(minus, x)
			plus[j] += jacobianStep
			minus[j] -= jacobianStep
			s.model.ToVector(s.model.Advance(s.model.FromVector(plus), u, dt), fp)
			s.model.ToVector(s.model.Advance(s.model.FromVector(minus), u, dt), fm)
			for i := 0; i < n; i++ {
				a.Set(i, j, (fp[i]-fm[i])/(2*jacobianStep))
			}
		}
		b := mat.NewDense(n, controlDim, nil)
		base := s.model.FromVector(x)
		for j := 0; j < controlDim; j++ {
			up, um := u, u
			if j == 0 {
				up.Throttle += jacobianStep
				um.Throttle -= jacobianStep
			} else {
				up.Steering += jacobianStep
				um.Steering -= jacobianStep
			}
			s.model.ToVector(s.model.Advance(base, up, dt), fp)
			s.model.ToVector(s.model.Advance(base, um, dt), fm)
			for i := 0; i < n; i++ {
				b.Set(i, j, (fp[i]-fm[i])/(2*jacobianStep))
			}
		}
		as[t], bs[t] = a, b
		state = s.model.Advance(state, u, dt)
	}
	return as, bs
}

// riccati runs the backward recursion with terminal weight lambda/targetVar on the
// position block and control weight equal to the inverse noise covariance.
func (s *steerer) riccati(as, bs []*mat.Dense, lambda float64) ([]*mat.Dense, error) {
	n, _ := as[0].Dims()
	p := mat.NewDense(n, n, nil)
	p.Set(0, 0, lambda/s.targetVar)
	p.Set(1, 1, lambda/s.targetVar)

	gains := make([]*mat.Dense, len(as))
	var bp, sm, sInv, bpa, pa, closed mat.Dense
	for t := len(as) - 1; t >= 0; t-- {
		a, b := as[t], bs[t]
		bp.Mul(b.T(), p)
		sm.Mul(&bp, b)
		sm.Add(&sm, s.noiseInv)
		if err := sInv.Inverse(&sm); err != nil {
			return nil, errors.Wrap(ErrNumerical, err.Error())
		}
		bpa.Mul(&bp, a)
		k := mat.NewDense(controlDim, n, nil)
		k.Mul(&sInv, &bpa)
		k.Scale(-1, k)
		gains[t] = k

		closed.Mul(b, k)
		closed.Add(&closed, a)
		pa.Mul(p, &closed)
		next := mat.NewDense(n, n, nil)
		next.Mul(a.T(), &pa)
		// keep P symmetric against round off
		sym := mat.NewDense(n, n, nil)
		sym.Add(next, next.T())
		sym.Scale(0.5, sym)
		p = sym
	}
	return gains, nil
}

// terminalTrace propagates the perturbation covariance through the closed loop
// dynamics and returns the trace of the final position block. Nil gains mean open
// loop.
func (s *steerer) terminalTrace(as, bs, gains []*mat.Dense) float64 {
	n, _ := as[0].Dims()
	sigma := mat.NewDense(n, n, nil)
	var closed, tmp, bn, noise mat.Dense
	for t := range as {
		closed.CloneFrom(as[t])
		if gains != nil {
			tmp.Mul(bs[t], gains[t])
			closed.Add(&closed, &tmp)
		}
		tmp.Mul(&closed, sigma)
		next := mat.NewDense(n, n, nil)
		next.Mul(&tmp, closed.T())
		bn.Mul(bs[t], s.noiseCov)
		noise.Mul(&bn, bs[t].T())
		next.Add(next, &noise)
		sigma = next
	}
	return sigma.At(0, 0) + sigma.At(1, 1)
}

// compute linearizes around the reference and bisects the terminal weight so the
// steered terminal position covariance meets the target. When even the largest
// weight cannot reach the target, the gains of the largest weight are used.
func (s *steerer) compute(start dynamics.State, ref []dynamics.Control, dt float64) (*steering, error) {
	as, bs := s.linearize(start, ref, dt)
	n := s.model.StateDim()
	target := 2 * s.targetVar
	g := &steering{
		n: n,
		m: controlDim,
		a: flatten(as, n, n),
		b: flatten(bs, n, controlDim),
	}
	g.open = s.terminalTrace(as, bs, nil)
	if math.IsNaN(g.open) || math.IsInf(g.open, 0) {
		return nil, errors.Wrap(ErrNumerical, "linearization is not finite")
	}
	if g.open <= target {
		g.k = make([]float64, len(ref)*controlDim*n)
		g.closed = g.open
		return g, nil
	}

	lo, hi := math.Log(minLambda), math.Log(maxLambda)
	best, err := s.riccati(as, bs, maxLambda)
	if err != nil {
		return nil, err
	}
	g.lambda = maxLambda
	g.closed = s.terminalTrace(as, bs, best)
	if g.closed <= target {
		for i := 0; i < bisectionSteps; i++ {
			mid := (lo + hi) / 2
			gains, err := s.riccati(as, bs, math.Exp(mid))
			if err != nil {
				return nil, err
			}
			if tr := s.terminalTrace(as, bs, gains); tr > target {
				lo = mid
			} else {
				hi = mid
				best, g.lambda, g.closed = gains, math.Exp(mid), tr
			}
		}
	}
	g.k = flatten(best, controlDim, n)
	return g, nil
}

func flatten(ms []*mat.Dense, r, c int) []float64 {
	out := make([]float64, 0, len(ms)*r*c)
	for _, m := range ms {
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out = append(out, m.At(i, j))
			}
		}
	}
	return out
}
