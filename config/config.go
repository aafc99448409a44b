// Package config reads the configuration of a racer from a JSON file.
package config

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/racer/control"
	"go.viam.com/racer/dynamics"
	"go.viam.com/racer/mppi"
	"go.viam.com/racer/raceline"
	"go.viam.com/racer/track"
	rutils "go.viam.com/racer/utils"
)

// Config is the full configuration of a racer.
type Config struct {
	ConfigFilePath string `json:"-"`

	Track      track.Config     `json:"track"`
	Raceline   raceline.Config  `json:"raceline"`
	Vehicle    VehicleConfig    `json:"vehicle"`
	Controller mppi.Config      `json:"controller"`
	Loop       control.Config   `json:"loop"`
	Store      StoreConfig      `json:"store"`
	Simulation SimulationConfig `json:"simulation"`
}

// VehicleConfig selects the dynamics model used for rollouts and simulation.
type VehicleConfig struct {
	Model  string          `json:"model"`
	Params dynamics.Params `json:"params"`
}

// Validate ensures all parts of the config are valid.
func (cfg *VehicleConfig) Validate(path string) error {
	if _, err := dynamics.ParseKind(cfg.Model); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return cfg.Params.Validate(path + ".params")
}

// Build returns the configured model.
func (cfg *VehicleConfig) Build() (dynamics.Model, error) {
	kind, err := dynamics.ParseKind(cfg.Model)
	if err != nil {
		return nil, err
	}
	return dynamics.New(kind, cfg.Params)
}

// StoreConfig locates stored racelines.
type StoreConfig struct {
	Database string `json:"database"`
	Name     string `json:"name"`
}

// SimulationConfig describes a closed loop simulation run.
type SimulationConfig struct {
	Ticks int `json:"ticks"`
	// Start is the initial vehicle state. When unset the vehicle starts at rest on
	// the first raceline sample.
	Start *dynamics.State `json:"start,omitempty"`
	// Obstacles are other cars or static objects on the track. Each one moves along
	// the raceline at its forward speed and is avoided as an opponent.
	Obstacles []dynamics.State `json:"obstacles,omitempty"`
	// ResetOffTrack puts the vehicle back at rest on the raceline, where it last
	// was on the track, whenever it leaves the track.
	ResetOffTrack bool `json:"reset_off_track"`
}

// Validate ensures all parts of the config are valid.
func (cfg *SimulationConfig) Validate(path string) error {
	if cfg.Ticks < 0 {
		return utils.NewConfigValidationError(path, errors.New("ticks must not be negative"))
	}
	for i, o := range cfg.Obstacles {
		if !rutils.Finite(o.X, o.Y, o.VForward) {
			return utils.NewConfigValidationError(path, errors.Errorf("obstacle %d must have a finite position and speed", i))
		}
	}
	return nil
}

// Ensure fills in defaults and validates every section.
func (c *Config) Ensure() error {
	c.Raceline = c.Raceline.WithDefaults()
	c.Vehicle.Params = c.Vehicle.Params.WithDefaults()
	c.Controller = c.Controller.WithDefaults()
	c.Loop = c.Loop.WithDefaults()
	if c.Store.Name == "" {
		c.Store.Name = "main"
	}
	if c.Simulation.Ticks == 0 {
		c.Simulation.Ticks = 300
	}

	if err := c.Track.Validate("track"); err != nil {
		return err
	}
	if err := c.Raceline.Validate("raceline"); err != nil {
		return err
	}
	if err := c.Vehicle.Validate("vehicle"); err != nil {
		return err
	}
	if err := c.Controller.Validate("controller"); err != nil {
		return err
	}
	if err := c.Loop.Validate("loop"); err != nil {
		return err
	}
	return c.Simulation.Validate("simulation")
}
