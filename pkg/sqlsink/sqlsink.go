// Package sqlsink archives decoded register values to a SQL database
// for retrospective analysis, independent of the Prometheus gauges'
// current-value-only view.
package sqlsink

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dulitz/finitude/pkg/registry"
)

// Sink archives decoded fields to a SQL database, one row per field
// per observation.
type Sink struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite3 database named by dsn
// and ensures its schema exists.
func Open(dsn string) (*Sink, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlsink: opening %s: %w", dsn, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlsink: pinging %s: %w", dsn, err)
	}
	s := &Sink{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS register_values (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			observed_at DATETIME NOT NULL,
			monitor TEXT NOT NULL,
			label TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("sqlsink: creating schema: %w", err)
	}
	return nil
}

// Record archives every field of values under label (the same
// change-log label a Monitor would use) for monitorID, timestamped ts.
func (s *Sink) Record(monitorID, label string, values *registry.Values, ts time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlsink: begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO register_values (observed_at, monitor, label, field, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlsink: prepare: %w", err)
	}
	defer stmt.Close()
	for _, k := range values.Keys() {
		v, _ := values.Get(k)
		if _, err := stmt.Exec(ts, monitorID, label, k, fmt.Sprintf("%v", v)); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlsink: insert %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database handle.
func (s *Sink) Close() error {
	return s.db.Close()
}
