package dynamics

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// MotorMode selects how throttle maps onto longitudinal acceleration.
type MotorMode string

// Supported motor modes.
const (
	// MotorSimple uses throttle directly as acceleration and coasts above MaxSpeed.
	MotorSimple MotorMode = "simple"
	// MotorLinear is a first order drivetrain: Gain*(throttle - v/VelocityScale - Offset).
	MotorLinear MotorMode = "linear"
)

// MotorParams configures the throttle response.
type MotorParams struct {
	Mode          MotorMode `json:"mode"`
	Gain          float64   `json:"gain"`
	VelocityScale float64   `json:"velocity_scale"`
	Offset        float64   `json:"offset"`
	MaxSpeed      float64   `json:"max_speed"`
	CoastDecel    float64   `json:"coast_decel"`
}

// WithDefaults fills unset fields.
func (m MotorParams) WithDefaults() MotorParams {
	if m.Mode == "" {
		m.Mode = MotorLinear
	}
	if m.Gain == 0 {
		m.Gain = 6.17
	}
	if m.VelocityScale == 0 {
		m.VelocityScale = 15.2
	}
	if m.Offset == 0 {
		m.Offset = 0.333
	}
	if m.MaxSpeed == 0 {
		m.MaxSpeed = 3.0
	}
	if m.CoastDecel == 0 {
		m.CoastDecel = 0.01
	}
	return m
}

// Validate ensures all parts of the params are valid.
func (m *MotorParams) Validate(path string) error {
	switch m.Mode {
	case MotorSimple, MotorLinear:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown motor mode %q", m.Mode))
	}
	if !(m.VelocityScale > 0) {
		return utils.NewConfigValidationFieldRequiredError(path, "velocity_scale")
	}
	if !(m.MaxSpeed > 0) {
		return utils.NewConfigValidationFieldRequiredError(path, "max_speed")
	}
	return nil
}

// Acceleration is the longitudinal acceleration produced by throttle at forward speed v.
func (m MotorParams) Acceleration(throttle, v float64) float64 {
	if m.Mode == MotorSimple {
		if v > m.MaxSpeed {
			return -m.CoastDecel
		}
		return throttle
	}
	return m.Gain * (throttle - v/m.VelocityScale - m.Offset)
}
