package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

const testConfig = `{
  "track": {
    "description": "uuruurddddll",
    "rows": 5,
    "cols": 3,
    "scale": 1,
    "start": 8,
    "offsets": [0, 0, 0, 0, -0.5]
  },
  "raceline": {"smoothing": 0.05, "samples": 256},
  "controller": {"samples": 32, "horizon": 10, "seed": 3},
  "store": {"name": "small"},
  "simulation": %s
}`

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	return writeSimulationConfig(t, `{"ticks": 5}`)
}

func writeSimulationConfig(t *testing.T, simulation string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "racer.json")
	test.That(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, simulation)), 0o600), test.ShouldBeNil)
	return path, filepath.Join(dir, "racelines.sqlite")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(append([]string{"racer"}, args...))
	return out.String(), err
}

func TestBuildInspect(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	out, err := run(t, "build", "--config", cfgPath, "--db", dbPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, `stored raceline "small"`)
	test.That(t, out, test.ShouldContainSubstring, "256 samples")

	out, err = run(t, "inspect", "--db", dbPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "uuruurddddll")

	out, err = run(t, "inspect", "--db", dbPath, "--name", "other")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldBeEmpty)
}

func TestSimulate(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	out, err := run(t, "simulate", "--config", cfgPath, "--ticks", "4")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "ticks: 4")
	test.That(t, out, test.ShouldContainSubstring, "latency ms")

	_, err = run(t, "build", "--config", cfgPath, "--db", dbPath)
	test.That(t, err, test.ShouldBeNil)
	out, err = run(t, "--debug", "simulate", "--config", cfgPath, "--db", dbPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "ticks: 5")
}

func TestSimulateObstacles(t *testing.T) {
	// parked just ahead of a car at rest on the downward straight
	cfgPath, _ := writeSimulationConfig(t, `{
    "ticks": 3,
    "start": {"x": 2.5, "y": 2.5, "heading": -1.5708},
    "obstacles": [{"x": 2.5, "y": 2.45}, {"x": 0.5, "y": 1.5, "v_forward": 0.5}]
  }`)
	out, err := run(t, "simulate", "--config", cfgPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "ticks: 3")
	test.That(t, out, test.ShouldContainSubstring, "obstacles: 2, collisions: ")
	test.That(t, out, test.ShouldNotContainSubstring, "collisions: 0,")
}

func TestSimulateResetOffTrack(t *testing.T) {
	cfgPath, _ := writeSimulationConfig(t, `{"ticks": 3, "start": {"x": 10, "y": 10}}`)
	out, err := run(t, "simulate", "--config", cfgPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "off track: 3,")
	test.That(t, out, test.ShouldContainSubstring, "resets: 0")

	cfgPath, _ = writeSimulationConfig(t, `{"ticks": 3, "start": {"x": 10, "y": 10}, "reset_off_track": true}`)
	out, err = run(t, "simulate", "--config", cfgPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "ticks: 3, off track: 1,")
	test.That(t, out, test.ShouldContainSubstring, "resets: 1")
}

func TestArcDelta(t *testing.T) {
	test.That(t, arcDelta(9.5, 0.5, 10), test.ShouldAlmostEqual, 1)
	test.That(t, arcDelta(0.5, 9.5, 10), test.ShouldAlmostEqual, -1)
	test.That(t, arcDelta(2, 3, 10), test.ShouldAlmostEqual, 1)
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "build", "--config", filepath.Join(t.TempDir(), "nope.json"), "--db", "x.sqlite")
	test.That(t, err, test.ShouldNotBeNil)
}
