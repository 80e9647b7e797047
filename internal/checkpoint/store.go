// Package checkpoint persists network parameters to sqlite so a
// training run can be resumed or evaluated offline.
package checkpoint

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no checkpoint matches the query.
var ErrNotFound = errors.New("checkpoint: not found")

type Store struct {
	*sql.DB
}

// Open opens (or creates) the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	return &Store{db}, nil
}

// MigrateUp applies all pending migrations from the directory.
func (s *Store) MigrateUp(migrationsDir string) error {
	m, err := s.newMigrate(migrationsDir)
	if err != nil {
		return err
	}
	// Not closed: closing the migrate instance would close the
	// underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func (s *Store) newMigrate(migrationsDir string) (*migrate.Migrate, error) {
	absPath, err := filepath.Abs(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", absPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

func encodeFloats(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("checkpoint: blob length %d is not a multiple of 8", len(buf))
	}
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return out, nil
}

// Save writes one checkpoint: the flattened parameters of every
// network, keyed by network name, at the given step. Saving the same
// (run, step, network) again overwrites.
func (s *Store) Save(runID string, step int, nets map[string][]float64) error {
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("checkpoint save: %w", err)
	}
	defer tx.Rollback()

	for name, params := range nets {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO checkpoints (run_id, step, network, params) VALUES (?, ?, ?, ?)`,
			runID, step, name, encodeFloats(params),
		)
		if err != nil {
			return fmt.Errorf("checkpoint save %s/%d/%s: %w", runID, step, name, err)
		}
	}
	return tx.Commit()
}

// Load reads every network's parameters for a (run, step).
func (s *Store) Load(runID string, step int) (map[string][]float64, error) {
	rows, err := s.Query(
		`SELECT network, params FROM checkpoints WHERE run_id = ? AND step = ?`,
		runID, step,
	)
	if err != nil {
		return nil, fmt.Errorf("checkpoint load: %w", err)
	}
	defer rows.Close()

	nets := make(map[string][]float64)
	for rows.Next() {
		var name string
		var blob []byte
		if err := rows.Scan(&name, &blob); err != nil {
			return nil, fmt.Errorf("checkpoint load: %w", err)
		}
		vals, err := decodeFloats(blob)
		if err != nil {
			return nil, err
		}
		nets[name] = vals
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint load: %w", err)
	}
	if len(nets) == 0 {
		return nil, ErrNotFound
	}
	return nets, nil
}

// Latest returns the most recent checkpointed step of a run and its
// parameters.
func (s *Store) Latest(runID string) (int, map[string][]float64, error) {
	var step sql.NullInt64
	err := s.QueryRow(
		`SELECT MAX(step) FROM checkpoints WHERE run_id = ?`,
		runID,
	).Scan(&step)
	if err != nil {
		return 0, nil, fmt.Errorf("checkpoint latest: %w", err)
	}
	if !step.Valid {
		return 0, nil, ErrNotFound
	}
	nets, err := s.Load(runID, int(step.Int64))
	if err != nil {
		return 0, nil, err
	}
	return int(step.Int64), nets, nil
}

// Steps lists the checkpointed steps of a run in ascending order.
func (s *Store) Steps(runID string) ([]int, error) {
	rows, err := s.Query(
		`SELECT DISTINCT step FROM checkpoints WHERE run_id = ? ORDER BY step`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("checkpoint steps: %w", err)
	}
	defer rows.Close()

	var steps []int
	for rows.Next() {
		var st int
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("checkpoint steps: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
