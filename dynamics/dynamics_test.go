package dynamics

import (
	"math"
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestMotorModes(t *testing.T) {
	linear := MotorParams{}.WithDefaults()
	test.That(t, linear.Mode, test.ShouldEqual, MotorLinear)
	test.That(t, linear.Acceleration(0.5, 1), test.ShouldAlmostEqual, 6.17*(0.5-1/15.2-0.333))
	test.That(t, linear.Acceleration(0, 0), test.ShouldBeLessThan, 0)

	simple := MotorParams{Mode: MotorSimple, MaxSpeed: 2}.WithDefaults()
	test.That(t, simple.Acceleration(0.7, 1), test.ShouldEqual, 0.7)
	test.That(t, simple.Acceleration(0.7, 2.5), test.ShouldEqual, -0.01)

	bad := MotorParams{Mode: "turbo"}.WithDefaults()
	test.That(t, bad.Validate("motor"), test.ShouldNotBeNil)
}

func TestKinematicStraight(t *testing.T) {
	params := DefaultParams()
	params.Motor.Mode = MotorSimple
	m, err := New(KindKinematic, params)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Kind(), test.ShouldEqual, KindKinematic)
	test.That(t, m.StateDim(), test.ShouldEqual, 4)

	next := m.Advance(State{X: 1, Y: 2, VForward: 1}, Control{Throttle: 0.5}, 0.1)
	test.That(t, next.X, test.ShouldAlmostEqual, 1.1)
	test.That(t, next.Y, test.ShouldAlmostEqual, 2)
	test.That(t, next.Heading, test.ShouldAlmostEqual, 0)
	test.That(t, next.VForward, test.ShouldAlmostEqual, 1.05)
	test.That(t, next.YawRate, test.ShouldAlmostEqual, 0)

	heading := math.Pi / 2
	next = m.Advance(State{Heading: heading, VForward: 2}, Control{}, 0.5)
	test.That(t, next.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, next.Y, test.ShouldAlmostEqual, 1)
}

func TestKinematicTurn(t *testing.T) {
	params := DefaultParams()
	m, err := New(KindKinematic, params)
	test.That(t, err, test.ShouldBeNil)

	steer := 0.3
	left := m.Advance(State{VForward: 1.5}, Control{Throttle: 0.6, Steering: steer}, 0.02)
	right := m.Advance(State{VForward: 1.5}, Control{Throttle: 0.6, Steering: -steer}, 0.02)

	beta := math.Atan(math.Tan(steer) * params.Lr / params.Wheelbase())
	test.That(t, left.YawRate, test.ShouldAlmostEqual, 1.5/params.Lr*math.Sin(beta))
	test.That(t, left.Heading, test.ShouldBeGreaterThan, 0)
	test.That(t, left.Y, test.ShouldBeGreaterThan, 0)
	test.That(t, right.Heading, test.ShouldAlmostEqual, -left.Heading)
	test.That(t, right.Y, test.ShouldAlmostEqual, -left.Y)
	test.That(t, right.X, test.ShouldAlmostEqual, left.X)
	test.That(t, left.VLateral, test.ShouldEqual, 0)
}

func TestDynamicStraight(t *testing.T) {
	m, err := New(KindDynamic, DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.StateDim(), test.ShouldEqual, 6)

	s := State{VForward: 1}
	for i := 0; i < 10; i++ {
		s = m.Advance(s, Control{Throttle: 0.4}, 0.01)
	}
	test.That(t, s.Y, test.ShouldAlmostEqual, 0)
	test.That(t, s.VLateral, test.ShouldAlmostEqual, 0)
	test.That(t, s.YawRate, test.ShouldAlmostEqual, 0)
	test.That(t, s.Heading, test.ShouldAlmostEqual, 0)
	test.That(t, s.X, test.ShouldBeGreaterThan, 0.09)
}

func TestDynamicTurnIsMirrored(t *testing.T) {
	m, err := New(KindDynamic, DefaultParams())
	test.That(t, err, test.ShouldBeNil)

	left, right := State{VForward: 1}, State{VForward: 1}
	for i := 0; i < 20; i++ {
		left = m.Advance(left, Control{Throttle: 0.45, Steering: 0.2}, 0.005)
		right = m.Advance(right, Control{Throttle: 0.45, Steering: -0.2}, 0.005)
	}
	test.That(t, left.YawRate, test.ShouldBeGreaterThan, 0)
	test.That(t, left.Heading, test.ShouldBeGreaterThan, 0)
	test.That(t, left.Y, test.ShouldBeGreaterThan, 0)
	test.That(t, right.YawRate, test.ShouldAlmostEqual, -left.YawRate, 1e-9)
	test.That(t, right.VLateral, test.ShouldAlmostEqual, -left.VLateral, 1e-9)
	test.That(t, right.Y, test.ShouldAlmostEqual, -left.Y, 1e-9)
	test.That(t, right.X, test.ShouldAlmostEqual, left.X, 1e-9)
}

func TestDynamicLowSpeedFallback(t *testing.T) {
	params := DefaultParams()
	m, err := New(KindDynamic, params)
	test.That(t, err, test.ShouldBeNil)

	next := m.Advance(State{}, Control{Throttle: 1, Steering: 0.25}, params.IntegrationStep)
	for _, v := range []float64{next.X, next.Y, next.Heading, next.VForward, next.VLateral, next.YawRate} {
		test.That(t, math.IsNaN(v), test.ShouldBeFalse)
	}
	test.That(t, next.VForward, test.ShouldAlmostEqual, params.IntegrationStep*params.Motor.Acceleration(1, 0))
	test.That(t, next.YawRate, test.ShouldAlmostEqual, next.VForward/params.Wheelbase()*math.Tan(0.25))
	test.That(t, next.VLateral, test.ShouldBeGreaterThan, 0)
}

func TestDynamicSubsteps(t *testing.T) {
	m, err := New(KindDynamic, DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	start := State{VForward: 1.2, YawRate: 0.4}
	u := Control{Throttle: 0.5, Steering: 0.15}
	once := m.Advance(start, u, 0.02)
	manual := start
	for i := 0; i < 4; i++ {
		manual = m.Advance(manual, u, 0.005)
	}
	test.That(t, once.X, test.ShouldAlmostEqual, manual.X, 1e-12)
	test.That(t, once.YawRate, test.ShouldAlmostEqual, manual.YawRate, 1e-12)

	// a control rate step stays bounded
	s := State{VForward: 1}
	for i := 0; i < 100; i++ {
		s = m.Advance(s, Control{Throttle: 0.5, Steering: 0.3}, 0.03)
	}
	test.That(t, math.Abs(s.YawRate), test.ShouldBeLessThan, 50)
	test.That(t, math.Abs(s.VLateral), test.ShouldBeLessThan, 5)
}

func TestVectorForms(t *testing.T) {
	s := State{X: 1, Y: 2, Heading: 0.3, VForward: 4, VLateral: 0.5, YawRate: -0.6}
	for _, kind := range []Kind{KindKinematic, KindDynamic} {
		m, err := New(kind, DefaultParams())
		test.That(t, err, test.ShouldBeNil)
		v := make([]float64, m.StateDim())
		m.ToVector(s, v)
		back := m.FromVector(v)
		test.That(t, back.X, test.ShouldEqual, s.X)
		test.That(t, back.Y, test.ShouldEqual, s.Y)
		test.That(t, back.Heading, test.ShouldEqual, s.Heading)
		test.That(t, back.VForward, test.ShouldEqual, s.VForward)
		if kind == KindDynamic {
			test.That(t, back, test.ShouldResemble, s)
		} else {
			test.That(t, back.VLateral, test.ShouldEqual, 0)
		}
	}
}

func TestConcurrentAdvance(t *testing.T) {
	m, err := New(KindDynamic, DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	run := func(steer float64) State {
		s := State{VForward: 0.5}
		for i := 0; i < 200; i++ {
			s = m.Advance(s, Control{Throttle: 0.5, Steering: steer}, 0.01)
		}
		return s
	}
	want := make([]State, 8)
	for i := range want {
		want[i] = run(float64(i-4) * 0.05)
	}
	got := make([]State, 8)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = run(float64(i-4) * 0.05)
		}(i)
	}
	wg.Wait()
	test.That(t, got, test.ShouldResemble, want)
}

func TestNewErrors(t *testing.T) {
	_, err := New(Kind(7), DefaultParams())
	test.That(t, err, test.ShouldNotBeNil)

	params := DefaultParams()
	params.Lf = -1
	_, err = New(KindKinematic, params)
	test.That(t, err, test.ShouldNotBeNil)

	kind, err := ParseKind("Dynamic")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kind, test.ShouldEqual, KindDynamic)
	_, err = ParseKind("rocket")
	test.That(t, err, test.ShouldNotBeNil)
}
