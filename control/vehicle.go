package control

import (
	"context"
	"sync"

	"go.viam.com/racer/dynamics"
)

// SimulatedVehicle integrates a dynamics model forward by a fixed step on every
// actuation.
type SimulatedVehicle struct {
	mu    sync.Mutex
	model dynamics.Model
	state dynamics.State
	dt    float64
}

// NewSimulatedVehicle returns a vehicle at the initial state.
func NewSimulatedVehicle(model dynamics.Model, initial dynamics.State, dt float64) *SimulatedVehicle {
	return &SimulatedVehicle{model: model, state: initial, dt: dt}
}

// State returns the current state.
func (v *SimulatedVehicle) State(ctx context.Context) (dynamics.State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state, nil
}

// Actuate applies u for one step.
func (v *SimulatedVehicle) Actuate(ctx context.Context, u dynamics.Control) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = v.model.Advance(v.state, u, v.dt)
	return nil
}

// Teleport moves the vehicle to s.
func (v *SimulatedVehicle) Teleport(s dynamics.State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
}
