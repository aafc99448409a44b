package mppi

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// noiseSampler draws control perturbations correlated through the lower Cholesky
// factor of the noise covariance.
type noiseSampler struct {
	cov *mat.SymDense
	inv *mat.SymDense
	l00 float64
	l10 float64
	l11 float64
}

func newNoiseSampler(values []float64) (*noiseSampler, error) {
	cov, err := covarianceMatrix(values)
	if err != nil {
		return nil, err
	}
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return nil, errors.New("noise_covariance must be positive definite")
	}
	var l mat.TriDense
	chol.LTo(&l)
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, errors.Wrap(err, "cannot invert noise covariance")
	}
	return &noiseSampler{
		cov: cov,
		inv: &inv,
		l00: l.At(0, 0),
		l10: l.At(1, 0),
		l11: l.At(1, 1),
	}, nil
}

// fill overwrites dst with (throttle, steering) pairs.
func (n *noiseSampler) fill(rng *rand.Rand, dst []float64) {
	for i := 0; i+1 < len(dst); i += controlDim {
		z0, z1 := rng.NormFloat64(), rng.NormFloat64()
		dst[i] = n.l00 * z0
		dst[i+1] = n.l10*z0 + n.l11*z1
	}
}
