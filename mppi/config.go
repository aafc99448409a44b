package mppi

import (
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	rutils "go.viam.com/racer/utils"
)

// Algorithm names.
const (
	AlgorithmMPPI   = "mppi"
	AlgorithmCCMPPI = "ccmppi"
)

const (
	controlDim = 2
	maxSamples = 1 << 20
	maxHorizon = 1000
)

// Limits bound one control dimension.
type Limits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (l Limits) clamp(v float64) float64 {
	return lo.Clamp(v, l.Min, l.Max)
}

// CostWeights scale the terms of the rollout cost.
type CostWeights struct {
	Lateral  float64 `json:"lateral"`
	Speed    float64 `json:"speed"`
	Terminal float64 `json:"terminal"`
	// Progress rewards distance covered along the raceline over the horizon.
	Progress float64 `json:"progress"`
	// OffTrack is charged for every step spent beyond the wall clearance.
	OffTrack float64 `json:"off_track"`
	// Opponent is charged for every step spent within OpponentRadius of an opponent.
	Opponent       float64 `json:"opponent"`
	OpponentRadius float64 `json:"opponent_radius"`
}

// Config configures a Controller.
type Config struct {
	Algorithm   string  `json:"algorithm"`
	Samples     int     `json:"samples"`
	Horizon     int     `json:"horizon"`
	DT          float64 `json:"dt"`
	Temperature float64 `json:"temperature"`
	// NormalizeCost divides cost spreads by their mean before weighting, which makes
	// Temperature independent of the cost scale.
	NormalizeCost bool `json:"normalize_cost"`
	// NoiseCovariance is the throttle/steering perturbation covariance, either its
	// diagonal or the full 2x2 matrix in row major order.
	NoiseCovariance      []float64   `json:"noise_covariance"`
	ThrottleLimits       Limits      `json:"throttle_limits"`
	SteeringLimits       Limits      `json:"steering_limits"`
	ControlEffortWeights []float64   `json:"control_effort_weights"`
	CostWeights          CostWeights `json:"cost_weights"`
	// CCRatio is the share of samples whose noise is shaped by covariance steering,
	// 0.8 when unset.
	CCRatio *float64 `json:"cc_ratio,omitempty"`
	// TerminalPositionVariance is the per axis variance covariance steering aims for
	// at the end of the horizon, in square meters.
	TerminalPositionVariance float64 `json:"terminal_position_variance"`
	ReferencePointOffset     float64 `json:"reference_point_offset"`
	DisableWarmStart         bool    `json:"disable_warm_start"`
	// ShiftWarmStart drops the consumed first control of the previous solution and
	// pads the end with zero.
	ShiftWarmStart bool  `json:"shift_warm_start"`
	Seed           int64 `json:"seed"`
	Workers        int   `json:"workers"`
	// MaxRolloutBytes caps the memory allocated for one tick of rollouts.
	MaxRolloutBytes int64 `json:"max_rollout_bytes"`
}

// WithDefaults fills unset fields.
func (cfg Config) WithDefaults() Config {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmMPPI
	}
	if cfg.Samples == 0 {
		cfg.Samples = 1024
	}
	if cfg.Horizon == 0 {
		cfg.Horizon = 30
	}
	if cfg.DT == 0 {
		cfg.DT = 0.03
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 10
	}
	if cfg.NoiseCovariance == nil {
		steer := rutils.DegToRad(20)
		cfg.NoiseCovariance = []float64{1, steer * steer}
	}
	if cfg.ThrottleLimits == (Limits{}) {
		cfg.ThrottleLimits = Limits{Min: -1, Max: 1}
	}
	if cfg.SteeringLimits == (Limits{}) {
		steer := rutils.DegToRad(27.1)
		cfg.SteeringLimits = Limits{Min: -steer, Max: steer}
	}
	if cfg.ControlEffortWeights == nil {
		cfg.ControlEffortWeights = []float64{0.01, 0.01}
	}
	if cfg.CostWeights == (CostWeights{}) {
		cfg.CostWeights = CostWeights{
			Lateral:        20,
			Speed:          1,
			Terminal:       20,
			OffTrack:       50,
			Opponent:       50,
			OpponentRadius: 0.1,
		}
	}
	if cfg.CCRatio == nil {
		cfg.CCRatio = lo.ToPtr(0.8)
	}
	if cfg.TerminalPositionVariance == 0 {
		cfg.TerminalPositionVariance = 0.01
	}
	if cfg.MaxRolloutBytes == 0 {
		cfg.MaxRolloutBytes = 512 << 20
	}
	return cfg
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	switch cfg.Algorithm {
	case AlgorithmMPPI, AlgorithmCCMPPI:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown algorithm %q", cfg.Algorithm))
	}
	if cfg.Samples < 1 || cfg.Samples > maxSamples {
		return utils.NewConfigValidationError(path, errors.Errorf("samples must be within [1, %d], got %d", maxSamples, cfg.Samples))
	}
	if cfg.Horizon < 1 || cfg.Horizon > maxHorizon {
		return utils.NewConfigValidationError(path, errors.Errorf("horizon must be within [1, %d], got %d", maxHorizon, cfg.Horizon))
	}
	if !(cfg.DT > 0) {
		return utils.NewConfigValidationFieldRequiredError(path, "dt")
	}
	if !(cfg.Temperature > 0) {
		return utils.NewConfigValidationError(path, errors.New("temperature must be positive"))
	}
	if _, err := covarianceMatrix(cfg.NoiseCovariance); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	for name, l := range map[string]Limits{"throttle_limits": cfg.ThrottleLimits, "steering_limits": cfg.SteeringLimits} {
		if !(l.Min < l.Max) {
			return utils.NewConfigValidationError(path, errors.Errorf("%s min must be below max", name))
		}
	}
	if len(cfg.ControlEffortWeights) != controlDim {
		return utils.NewConfigValidationError(path, errors.Errorf("control_effort_weights needs %d values", controlDim))
	}
	for _, w := range append([]float64{
		cfg.CostWeights.Lateral, cfg.CostWeights.Speed, cfg.CostWeights.Terminal, cfg.CostWeights.Progress,
		cfg.CostWeights.OffTrack, cfg.CostWeights.Opponent, cfg.CostWeights.OpponentRadius,
	}, cfg.ControlEffortWeights...) {
		if w < 0 || math.IsNaN(w) {
			return utils.NewConfigValidationError(path, errors.New("cost weights must not be negative"))
		}
	}
	if r := cfg.CCRatio; r != nil && (*r < 0 || *r > 1) {
		return utils.NewConfigValidationError(path, errors.New("cc_ratio must be within [0, 1]"))
	}
	if !(cfg.TerminalPositionVariance > 0) {
		return utils.NewConfigValidationError(path, errors.New("terminal_position_variance must be positive"))
	}
	if cfg.Workers < 0 {
		return utils.NewConfigValidationError(path, errors.New("workers must not be negative"))
	}
	return nil
}

// covarianceMatrix expands a diagonal or full 2x2 covariance and checks it is
// symmetric positive definite.
func covarianceMatrix(values []float64) (*mat.SymDense, error) {
	var cov *mat.SymDense
	switch len(values) {
	case controlDim:
		cov = mat.NewSymDense(controlDim, []float64{values[0], 0, 0, values[1]})
	case controlDim * controlDim:
		if values[1] != values[2] {
			return nil, errors.New("noise_covariance must be symmetric")
		}
		cov = mat.NewSymDense(controlDim, append([]float64(nil), values...))
	default:
		return nil, errors.Errorf("noise_covariance needs %d or %d values, got %d", controlDim, controlDim*controlDim, len(values))
	}
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return nil, errors.New("noise_covariance must be positive definite")
	}
	return cov, nil
}
