package dynamics

import "math"

// dynamic is the bicycle model with tire slip on both axles.
type dynamic struct {
	params Params
}

func (d *dynamic) Kind() Kind {
	return KindDynamic
}

func (d *dynamic) Params() Params {
	return d.params
}

func (d *dynamic) StateDim() int {
	return 6
}

func (d *dynamic) ToVector(s State, dst []float64) {
	dst[0], dst[1], dst[2], dst[3], dst[4], dst[5] = s.X, s.Y, s.Heading, s.VForward, s.VLateral, s.YawRate
}

func (d *dynamic) FromVector(v []float64) State {
	return State{X: v[0], Y: v[1], Heading: v[2], VForward: v[3], VLateral: v[4], YawRate: v[5]}
}

// tireForce is the lateral force of one axle carrying the given share of the weight.
func (d *dynamic) tireForce(peak, slip, loadShare float64) float64 {
	t := d.params.Tire
	return peak * math.Sin(t.C*math.Atan(t.B*slip)) * d.params.Gravity * loadShare * d.params.Mass
}

// Advance integrates in sub steps no longer than IntegrationStep; the lateral
// dynamics of a light car are too stiff for a single explicit step at control rate.
func (d *dynamic) Advance(s State, u Control, dt float64) State {
	steps := 1
	if h := d.params.IntegrationStep; h > 0 && dt > h {
		steps = int(math.Ceil(dt/h - 1e-9))
	}
	h := dt / float64(steps)
	for i := 0; i < steps; i++ {
		s = d.step(s, u, h)
	}
	return s
}

func (d *dynamic) step(s State, u Control, dt float64) State {
	p := d.params
	lf, lr, m := p.Lf, p.Lr, p.Mass
	vx, vy, omega := s.VForward, s.VLateral, s.YawRate
	dOmega := 0.0

	if vx < p.KinematicThreshold {
		// slip angles are undefined near standstill
		beta := math.Atan(lr / (lf + lr) * math.Tan(u.Steering))
		vx += dt * p.Motor.Acceleration(u.Throttle, vx)
		vy = math.Hypot(vx, vy) * math.Sin(beta)
		omega = vx / (lf + lr) * math.Tan(u.Steering)
	} else {
		slipF := -math.Atan((omega*lf+vy)/vx) + u.Steering
		slipR := math.Atan((omega*lr - vy) / vx)
		ffy := d.tireForce(p.Tire.Df, slipF, lr/(lf+lr))
		fry := d.tireForce(p.Tire.Dr, slipR, lf/(lf+lr))
		sinSteer, cosSteer := math.Sincos(u.Steering)

		dvx := p.Motor.Acceleration(u.Throttle, vx) - ffy*sinSteer/m + vy*omega
		dvy := (fry+ffy*cosSteer)/m - vx*omega
		dOmega = (ffy*lf*cosSteer - fry*lr) / p.Iz

		vx += dt * dvx
		vy += dt * dvy
		omega += dt * dOmega
	}

	sin, cos := math.Sincos(s.Heading)
	return State{
		X:        s.X + dt*(vx*cos-vy*sin),
		Y:        s.Y + dt*(vx*sin+vy*cos),
		Heading:  s.Heading + omega*dt + 0.5*dOmega*dt*dt,
		VForward: vx,
		VLateral: vy,
		YawRate:  omega,
	}
}
