// Package tracestore persists sidecar proxy traces and quarantine
// records in SQLite, serving the /trace and /quarantine lookups.
package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/imran-siddique/agentos/internal/domain/trust"
)

// ErrNotFound is returned when no trace matches the id.
var ErrNotFound = errors.New("trace not found")

// Trace is one recorded /proxy exchange.
type Trace struct {
	TraceID     string          `json:"trace_id"`
	ParentID    string          `json:"parent_id,omitempty"`
	CallerAgent string          `json:"caller_agent,omitempty"`
	Decision    string          `json:"decision"`
	StatusCode  int             `json:"status_code"`
	LatencyMS   int64           `json:"latency_ms"`
	Quarantined bool            `json:"quarantined"`
	Warnings    []trust.Warning `json:"warnings,omitempty"`
	// RequestDigest is the sha256 of the forwarded body.
	RequestDigest string    `json:"request_digest,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists traces in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the trace database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS traces (
		trace_id       TEXT PRIMARY KEY,
		parent_id      TEXT NOT NULL DEFAULT '',
		caller_agent   TEXT NOT NULL DEFAULT '',
		decision       TEXT NOT NULL,
		status_code    INTEGER NOT NULL,
		latency_ms     INTEGER NOT NULL,
		quarantined    INTEGER NOT NULL DEFAULT 0,
		warnings       TEXT NOT NULL DEFAULT '[]',
		request_digest TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create traces table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_traces_quarantined ON traces(quarantined)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces(created_at)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts one trace. Trace ids are unique; re-recording an id is
// an error.
func (s *Store) Record(ctx context.Context, tr *Trace) error {
	if tr.TraceID == "" {
		return fmt.Errorf("trace id required")
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}

	warnings, err := json.Marshal(tr.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	quarantined := 0
	if tr.Quarantined {
		quarantined = 1
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO traces
		(trace_id, parent_id, caller_agent, decision, status_code, latency_ms, quarantined, warnings, request_digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.TraceID,
		tr.ParentID,
		tr.CallerAgent,
		tr.Decision,
		tr.StatusCode,
		tr.LatencyMS,
		quarantined,
		string(warnings),
		tr.RequestDigest,
		tr.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// Get returns the trace with the given id.
func (s *Store) Get(ctx context.Context, traceID string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT trace_id, parent_id, caller_agent, decision,
		status_code, latency_ms, quarantined, warnings, request_digest, created_at
		FROM traces WHERE trace_id = ?`, traceID)
	return scanTrace(row)
}

// Quarantined returns the trace only if it was quarantined; a known but
// non-quarantined trace reports ErrNotFound.
func (s *Store) Quarantined(ctx context.Context, traceID string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT trace_id, parent_id, caller_agent, decision,
		status_code, latency_ms, quarantined, warnings, request_digest, created_at
		FROM traces WHERE trace_id = ? AND quarantined = 1`, traceID)
	return scanTrace(row)
}

func scanTrace(row *sql.Row) (*Trace, error) {
	var (
		tr          Trace
		quarantined int
		warnings    string
		createdAt   string
	)
	err := row.Scan(&tr.TraceID, &tr.ParentID, &tr.CallerAgent, &tr.Decision,
		&tr.StatusCode, &tr.LatencyMS, &quarantined, &warnings, &tr.RequestDigest, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trace: %w", err)
	}

	tr.Quarantined = quarantined == 1
	if err := json.Unmarshal([]byte(warnings), &tr.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}
	if tr.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &tr, nil
}
