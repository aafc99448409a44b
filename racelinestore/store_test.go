package racelinestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/racer/raceline"
	"go.viam.com/racer/track"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "racelines.sqlite")
	s, err := Open(path, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, s.Close(), test.ShouldBeNil)
	})
	return s, path
}

func testRaceline(t *testing.T) (*raceline.Raceline, raceline.Config) {
	t.Helper()
	tr, err := track.New(track.Config{
		Description: "uuruurddddll",
		Rows:        5,
		Cols:        3,
		Scale:       1,
		Start:       8,
		Offsets:     []float64{0, 0, 0, 0, -0.5},
	})
	test.That(t, err, test.ShouldBeNil)
	cfg := raceline.Config{Smoothing: 0.05, Samples: 128}
	rl, err := raceline.New(context.Background(), tr, cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return rl, cfg
}

func TestOpenMigrates(t *testing.T) {
	s, path := testStore(t)
	version, err := s.SchemaVersion()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, version, test.ShouldEqual, uint(1))

	// reopening an up to date database is a no-op
	again, err := Open(path, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.Close(), test.ShouldBeNil)
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)
	rl, cfg := testRaceline(t)

	rec, err := s.Save(ctx, "main", rl, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Samples, test.ShouldEqual, 128)

	got, err := s.Get(ctx, rec.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Name, test.ShouldEqual, "main")
	test.That(t, got.Track, test.ShouldResemble, rl.Track().Config())
	test.That(t, got.TotalLength, test.ShouldEqual, rl.TotalLength())
	test.That(t, got.CreatedAt.Equal(rec.CreatedAt), test.ShouldBeTrue)

	loaded, loadedRec, err := s.Load(ctx, "main")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loadedRec.ID, test.ShouldEqual, rec.ID)
	test.That(t, loaded.Table().Samples(), test.ShouldResemble, rl.Table().Samples())

	want, err := rl.Localize(raceline.Pose{X: 2.5, Y: 2.5}, 0)
	test.That(t, err, test.ShouldBeNil)
	loc, err := loaded.Localize(raceline.Pose{X: 2.5, Y: 2.5}, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loc.S, test.ShouldAlmostEqual, want.S, 1e-9)
}

func TestLatestAndList(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)
	rl, cfg := testRaceline(t)

	first, err := s.Save(ctx, "main", rl, cfg)
	test.That(t, err, test.ShouldBeNil)
	second, err := s.Save(ctx, "main", rl, cfg)
	test.That(t, err, test.ShouldBeNil)
	other, err := s.Save(ctx, "other", rl, cfg)
	test.That(t, err, test.ShouldBeNil)

	latest, err := s.Latest(ctx, "main")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, latest.ID, test.ShouldEqual, second.ID)

	all, err := s.List(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(all), test.ShouldEqual, 3)
	test.That(t, all[0].ID, test.ShouldEqual, other.ID)
	test.That(t, all[2].ID, test.ShouldEqual, first.ID)

	test.That(t, s.Delete(ctx, second.ID), test.ShouldBeNil)
	latest, err = s.Latest(ctx, "main")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, latest.ID, test.ShouldEqual, first.ID)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	_, err := s.Latest(ctx, "missing")
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
	_, err = s.Get(ctx, uuid.New())
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
	_, _, err = s.Load(ctx, "missing")
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
	test.That(t, errors.Is(s.Delete(ctx, uuid.New()), ErrNotFound), test.ShouldBeTrue)

	rl, cfg := testRaceline(t)
	_, err = s.Save(ctx, "", rl, cfg)
	test.That(t, err, test.ShouldNotBeNil)
}
