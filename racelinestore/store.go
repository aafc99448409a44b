// Package racelinestore persists discretized racelines in SQLite so they can be
// reused without refitting and recomputing clearances.
package racelinestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	// sqlite driver.
	_ "modernc.org/sqlite"

	"go.viam.com/racer/raceline"
	"go.viam.com/racer/track"
)

// ErrNotFound is returned when no stored raceline matches.
var ErrNotFound = errors.New("raceline not found")

// Record describes a stored raceline.
type Record struct {
	ID          uuid.UUID
	Name        string
	CreatedAt   time.Time
	Track       track.Config
	Config      raceline.Config
	TotalLength float64
	Samples     int
}

// Store is a SQLite database of racelines.
type Store struct {
	db     *sql.DB
	logger golog.Logger
}

// Open opens or creates the database at path and migrates it to the latest schema.
func Open(path string, logger golog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %q", path)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: logger}
	if err := s.migrateUp(); err != nil {
		return nil, multierr.Combine(err, db.Close())
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores the raceline's table under name along with what is needed to rebuild
// it. Saving under an existing name adds a newer version.
func (s *Store) Save(ctx context.Context, name string, rl *raceline.Raceline, cfg raceline.Config) (Record, error) {
	if name == "" {
		return Record{}, errors.New("raceline name is required")
	}
	table := rl.Table()
	rec := Record{
		ID:          uuid.New(),
		Name:        name,
		CreatedAt:   time.Now().UTC(),
		Track:       rl.Track().Config(),
		Config:      cfg,
		TotalLength: table.TotalLength(),
		Samples:     table.Len(),
	}
	trackJSON, err := json.Marshal(rec.Track)
	if err != nil {
		return Record{}, err
	}
	cfgJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	if err := s.insert(ctx, tx, rec, string(trackJSON), string(cfgJSON), table); err != nil {
		return Record{}, multierr.Combine(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return Record{}, errors.Wrap(err, "cannot commit raceline")
	}
	s.logger.Debugw("saved raceline", "name", name, "id", rec.ID, "samples", rec.Samples)
	return rec, nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, rec Record, trackJSON, cfgJSON string, table *raceline.Table) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO racelines (id, name, created_at, track, config, total_length, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Name, rec.CreatedAt.UnixNano(), trackJSON, cfgJSON, rec.TotalLength, rec.Samples,
	); err != nil {
		return errors.Wrap(err, "cannot insert raceline")
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO raceline_samples
		(raceline_id, idx, s, x, y, heading, curvature, target_velocity, left_clearance, right_clearance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() {
		//nolint:errcheck
		stmt.Close()
	}()
	for i, smp := range table.Samples() {
		if _, err := stmt.ExecContext(ctx, rec.ID.String(), i, smp.S, smp.X, smp.Y, smp.Heading,
			smp.Curvature, smp.TargetVelocity, smp.LeftClearance, smp.RightClearance); err != nil {
			return errors.Wrapf(err, "cannot insert sample %d", i)
		}
	}
	return nil
}

const recordColumns = `id, name, created_at, track, config, total_length, sample_count`

func scanRecord(row interface{ Scan(...interface{}) error }) (Record, error) {
	var (
		rec                Record
		id                 string
		created            int64
		trackJSON, cfgJSON string
	)
	if err := row.Scan(&id, &rec.Name, &created, &trackJSON, &cfgJSON, &rec.TotalLength, &rec.Samples); err != nil {
		return Record{}, err
	}
	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return Record{}, errors.Wrapf(err, "bad raceline id %q", id)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	if err := json.Unmarshal([]byte(trackJSON), &rec.Track); err != nil {
		return Record{}, errors.Wrap(err, "bad stored track")
	}
	if err := json.Unmarshal([]byte(cfgJSON), &rec.Config); err != nil {
		return Record{}, errors.Wrap(err, "bad stored raceline config")
	}
	return rec, nil
}

// List returns every stored raceline, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM racelines ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		//nolint:errcheck
		rows.Close()
	}()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Latest returns the newest raceline saved under name.
func (s *Store) Latest(ctx context.Context, name string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM racelines WHERE name = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, errors.Wrapf(ErrNotFound, "no raceline named %q", name)
	}
	return rec, err
}

// Get returns the raceline with the given id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM racelines WHERE id = ?`, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, errors.Wrapf(ErrNotFound, "no raceline with id %s", id)
	}
	return rec, err
}

// Table reads the stored samples of a raceline.
func (s *Store) Table(ctx context.Context, rec Record) (*raceline.Table, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s, x, y, heading, curvature, target_velocity, left_clearance, right_clearance
		FROM raceline_samples WHERE raceline_id = ? ORDER BY idx`, rec.ID.String())
	if err != nil {
		return nil, err
	}
	defer func() {
		//nolint:errcheck
		rows.Close()
	}()
	samples := make([]raceline.Sample, 0, rec.Samples)
	for rows.Next() {
		var smp raceline.Sample
		if err := rows.Scan(&smp.S, &smp.X, &smp.Y, &smp.Heading, &smp.Curvature,
			&smp.TargetVelocity, &smp.LeftClearance, &smp.RightClearance); err != nil {
			return nil, err
		}
		samples = append(samples, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(samples) != rec.Samples {
		return nil, errors.Errorf("raceline %s has %d samples, expected %d", rec.ID, len(samples), rec.Samples)
	}
	return raceline.NewTable(samples, rec.TotalLength)
}

// Load rebuilds the newest raceline saved under name from its stored table.
func (s *Store) Load(ctx context.Context, name string) (*raceline.Raceline, Record, error) {
	rec, err := s.Latest(ctx, name)
	if err != nil {
		return nil, Record{}, err
	}
	table, err := s.Table(ctx, rec)
	if err != nil {
		return nil, Record{}, err
	}
	tr, err := track.New(rec.Track)
	if err != nil {
		return nil, Record{}, errors.Wrap(err, "stored track is invalid")
	}
	rl, err := raceline.Load(tr, rec.Config, table)
	if err != nil {
		return nil, Record{}, err
	}
	return rl, rec, nil
}

// Delete removes a raceline and its samples.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM raceline_samples WHERE raceline_id = ?`, id.String()); err != nil {
		return multierr.Combine(err, tx.Rollback())
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM racelines WHERE id = ?`, id.String())
	if err != nil {
		return multierr.Combine(err, tx.Rollback())
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return multierr.Combine(errors.Wrapf(ErrNotFound, "no raceline with id %s", id), tx.Rollback())
	}
	return tx.Commit()
}
