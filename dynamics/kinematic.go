package dynamics

import "math"

// kinematic is the slip free bicycle model. Its reduced state is (x, y, v, heading).
type kinematic struct {
	params Params
}

func (k *kinematic) Kind() Kind {
	return KindKinematic
}

func (k *kinematic) Params() Params {
	return k.params
}

func (k *kinematic) StateDim() int {
	return 4
}

func (k *kinematic) ToVector(s State, dst []float64) {
	dst[0], dst[1], dst[2], dst[3] = s.X, s.Y, s.VForward, s.Heading
}

func (k *kinematic) FromVector(v []float64) State {
	return State{X: v[0], Y: v[1], VForward: v[2], Heading: v[3]}
}

func (k *kinematic) Advance(s State, u Control, dt float64) State {
	lf, lr := k.params.Lf, k.params.Lr
	v := s.VForward
	beta := math.Atan(math.Tan(u.Steering) * lr / (lf + lr))
	sin, cos := math.Sincos(s.Heading + beta)
	yawRate := v / lr * math.Sin(beta)
	return State{
		X:        s.X + dt*v*cos,
		Y:        s.Y + dt*v*sin,
		Heading:  s.Heading + dt*yawRate,
		VForward: v + dt*k.params.Motor.Acceleration(u.Throttle, v),
		YawRate:  yawRate,
	}
}
