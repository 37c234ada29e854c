// Package cyclelog keeps an append-only ledger of pipeline transitions in a
// local SQLite database.
//
// The inventory table holds only the current state of each entity; the
// ledger holds how it got there. Operators query it to answer "what happened
// to this candidate" without scraping orchestrator logs.
package cyclelog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/latticeworks/propagator/pkg/inventory"
)

const schemaVersion = "1"

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id   TEXT    NOT NULL,
	cycle_id    TEXT    NOT NULL DEFAULT '',
	observed_at TEXT    NOT NULL,
	stage       TEXT    NOT NULL,
	status      TEXT    NOT NULL,
	refine_step INTEGER NOT NULL DEFAULT 0,
	action      TEXT    NOT NULL,
	detail      TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transitions_entity
	ON transitions (entity_id, id);
`

// Transition is one recorded pipeline event for one entity.
type Transition struct {
	ID       int64
	EntityID string

	// CycleID correlates all transitions taken by one orchestration cycle.
	CycleID string

	ObservedAt time.Time
	Stage      inventory.Stage
	Status     inventory.StepStatus
	RefineStep int
	Action     string
	Detail     string
}

// Log is the transition ledger.
type Log struct {
	db *sql.DB
}

// dsn converts a local path into a driver DSN. ":memory:" passes through for
// tests.
func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + filepath.Clean(path)
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Log, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	// Single-writer append workload; WAL keeps readers unblocked and the
	// busy timeout absorbs overlapping CLI invocations.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ledger pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	if err := ensureVersion(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

func ensureVersion(db *sql.DB) error {
	var existing string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
		return err
	case err != nil:
		return fmt.Errorf("ledger schema version: %w", err)
	case existing != schemaVersion:
		return fmt.Errorf("ledger schema version %q not supported (want %q)", existing, schemaVersion)
	default:
		return nil
	}
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one transition. The caller's ObservedAt is preserved;
// a zero value is filled with the current time.
func (l *Log) Record(ctx context.Context, t Transition) error {
	if t.EntityID == "" {
		return fmt.Errorf("transition entity id is required")
	}
	at := t.ObservedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transitions (entity_id, cycle_id, observed_at, stage, status, refine_step, action, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.EntityID, t.CycleID, at.UTC().Format(time.RFC3339Nano),
		string(t.Stage), string(t.Status), t.RefineStep, t.Action, t.Detail,
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// History returns the newest transitions for one entity, most recent first.
// A limit of zero or less means all.
func (l *Log) History(ctx context.Context, entityID string, limit int) ([]Transition, error) {
	q := `
		SELECT id, entity_id, cycle_id, observed_at, stage, status, refine_step, action, detail
		FROM transitions
		WHERE entity_id = ?
		ORDER BY id DESC`
	args := []interface{}{entityID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Transition
	for rows.Next() {
		var (
			t     Transition
			at    string
			stage string
			st    string
		)
		if err := rows.Scan(&t.ID, &t.EntityID, &t.CycleID, &at, &stage, &st, &t.RefineStep, &t.Action, &t.Detail); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse transition time %q: %w", at, err)
		}
		t.ObservedAt = parsed
		t.Stage = inventory.Stage(stage)
		t.Status = inventory.StepStatus(st)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Count returns the total number of recorded transitions.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transitions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transitions: %w", err)
	}
	return n, nil
}
