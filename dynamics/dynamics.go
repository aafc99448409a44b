// Package dynamics contains bicycle models that advance a car's state under a control.
//
// Models are pure: they hold only immutable parameters and may be called from any
// number of goroutines at once.
package dynamics

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// State is the full planar state of the car. Velocities are in the body frame.
type State struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Heading  float64 `json:"heading"`
	VForward float64 `json:"v_forward"`
	VLateral float64 `json:"v_lateral"`
	YawRate  float64 `json:"yaw_rate"`
}

// Speed is the magnitude of the body velocity.
func (s State) Speed() float64 {
	return math.Hypot(s.VForward, s.VLateral)
}

// Control is a throttle and steering angle command.
type Control struct {
	Throttle float64 `json:"throttle"`
	// Steering is the front wheel angle in radians, positive to the left.
	Steering float64 `json:"steering"`
}

// Kind selects a model.
type Kind int

// Available models.
const (
	KindKinematic Kind = iota
	KindDynamic
)

func (k Kind) String() string {
	switch k {
	case KindKinematic:
		return "kinematic"
	case KindDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// ParseKind maps a model name onto its Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "", "kinematic":
		return KindKinematic, nil
	case "dynamic":
		return KindDynamic, nil
	default:
		return 0, errors.Errorf("unknown dynamics model %q", name)
	}
}

// Model advances a state by one time step.
type Model interface {
	Advance(s State, u Control, dt float64) State
	Kind() Kind
	// StateDim is the length of the vector form of the state the model evolves.
	StateDim() int
	// ToVector writes the model's reduced state into dst, which must have StateDim elements.
	ToVector(s State, dst []float64)
	// FromVector is the inverse of ToVector; fields outside the reduction are zero.
	FromVector(v []float64) State
	Params() Params
}

// New builds the model of the given kind.
func New(kind Kind, params Params) (Model, error) {
	params = params.WithDefaults()
	if err := params.Validate("vehicle"); err != nil {
		return nil, err
	}
	switch kind {
	case KindKinematic:
		return &kinematic{params: params}, nil
	case KindDynamic:
		return &dynamic{params: params}, nil
	default:
		return nil, errors.Errorf("unknown dynamics model kind %d", kind)
	}
}

// TireParams are the coefficients of the simplified Pacejka lateral force curve
// D*sin(C*atan(B*slip)), with separate peaks for each axle.
type TireParams struct {
	B  float64 `json:"b"`
	C  float64 `json:"c"`
	Df float64 `json:"d_front"`
	Dr float64 `json:"d_rear"`
}

// Params describes the vehicle.
type Params struct {
	// Lf and Lr are the distances from the center of mass to the front and rear axle.
	Lf      float64 `json:"lf"`
	Lr      float64 `json:"lr"`
	Mass    float64 `json:"mass"`
	Iz      float64 `json:"iz"`
	Gravity float64 `json:"gravity"`
	// KinematicThreshold is the forward speed below which the dynamic model falls
	// back to the kinematic approximation.
	KinematicThreshold float64 `json:"kinematic_threshold"`
	// IntegrationStep bounds the sub step of the dynamic model, in seconds.
	IntegrationStep float64     `json:"integration_step"`
	Tire            TireParams  `json:"tire"`
	Motor           MotorParams `json:"motor"`
}

// DefaultParams are the identified parameters of the 1/28 scale car.
func DefaultParams() Params {
	return Params{}.WithDefaults()
}

// WithDefaults fills unset fields.
func (p Params) WithDefaults() Params {
	if p.Lf == 0 {
		p.Lf = 0.09 - 0.036
	}
	if p.Lr == 0 {
		p.Lr = 0.036
	}
	if p.Mass == 0 {
		p.Mass = 0.1667
	}
	if p.Iz == 0 {
		p.Iz = 0.00278 * 0.5
	}
	if p.Gravity == 0 {
		p.Gravity = 9.8
	}
	if p.KinematicThreshold == 0 {
		p.KinematicThreshold = 0.05
	}
	if p.IntegrationStep == 0 {
		p.IntegrationStep = 0.005
	}
	if p.Tire == (TireParams{}) {
		p.Tire = TireParams{B: 0.51943, C: 2.80646, Df: 3.93731, Dr: 6.23597}
	}
	p.Motor = p.Motor.WithDefaults()
	return p
}

// Validate ensures all parts of the params are valid.
func (p *Params) Validate(path string) error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"lf", p.Lf},
		{"lr", p.Lr},
		{"mass", p.Mass},
		{"iz", p.Iz},
		{"gravity", p.Gravity},
	} {
		if !(f.value > 0) {
			return utils.NewConfigValidationFieldRequiredError(path, f.name)
		}
	}
	if p.IntegrationStep < 0 {
		return utils.NewConfigValidationError(path, errors.New("integration_step must not be negative"))
	}
	if p.KinematicThreshold < 0 {
		return utils.NewConfigValidationError(path, errors.New("kinematic_threshold must not be negative"))
	}
	return p.Motor.Validate(path + ".motor")
}

// Wheelbase is the distance between the axles.
func (p Params) Wheelbase() float64 {
	return p.Lf + p.Lr
}
