package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// Schema version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS audit_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id     INTEGER NOT NULL,
    kind         TEXT NOT NULL,
    outcome      TEXT NOT NULL DEFAULT '',
    principal    TEXT NOT NULL DEFAULT '',
    source_ip    TEXT NOT NULL DEFAULT '',
    protocol     TEXT NOT NULL DEFAULT '',
    server       TEXT NOT NULL DEFAULT '',
    capability   TEXT NOT NULL DEFAULT '',
    action       TEXT NOT NULL DEFAULT '',
    allow        BOOLEAN NOT NULL DEFAULT 0,
    reason       TEXT NOT NULL DEFAULT '',
    filtered     BOOLEAN NOT NULL DEFAULT 0,
    error_kind   TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    context      TEXT NOT NULL DEFAULT '{}',
    timestamp    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_events(principal);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE audit_events ADD COLUMN params TEXT NOT NULL DEFAULT '{}';
`,
	},
}

// SQLiteSink is the durable local sink: the primary fallback target and an
// operational query surface.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory sink.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// WAL mode for concurrent reads while the pipeline writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *SQLiteSink) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// WriteBatch implements Sink. The whole batch commits in one transaction so
// a retried batch never half-applies.
func (s *SQLiteSink) WriteBatch(ctx context.Context, batch []*Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range batch {
		contextJSON := "{}"
		if len(e.Context) > 0 {
			raw, err := json.Marshal(e.Context)
			if err == nil {
				contextJSON = string(raw)
			}
		}
		paramsJSON := "{}"
		if len(e.Params) > 0 {
			raw, err := json.Marshal(e.Params)
			if err == nil {
				paramsJSON = string(raw)
			}
		}
		_, err := tx.ExecContext(ctx, `
            INSERT INTO audit_events(event_id, kind, outcome, principal, source_ip, protocol, server, capability, action, allow, reason, filtered, params, error_kind, error, duration_ms, context, timestamp)
            VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        `,
			e.ID, string(e.Kind), string(e.Outcome), e.Principal, e.SourceIP,
			e.Protocol, e.Server, e.Capability, e.Action,
			e.Allow, e.Reason, e.Filtered, paramsJSON, e.ErrorKind, e.Error,
			e.DurationMs, contextJSON, e.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert audit event %d: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// RecentEvents returns the newest events, optionally filtered by principal.
func (s *SQLiteSink) RecentEvents(ctx context.Context, principal string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT event_id, kind, outcome, principal, source_ip, protocol, server, capability, action, allow, reason, filtered, params, error_kind, error, duration_ms, context, timestamp FROM audit_events`
	args := []any{}
	if principal != "" {
		query += ` WHERE principal = ?`
		args = append(args, principal)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var kind, outcome, paramsJSON, contextJSON, ts string
		if err := rows.Scan(&e.ID, &kind, &outcome, &e.Principal, &e.SourceIP,
			&e.Protocol, &e.Server, &e.Capability, &e.Action,
			&e.Allow, &e.Reason, &e.Filtered, &paramsJSON, &e.ErrorKind, &e.Error,
			&e.DurationMs, &contextJSON, &ts); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		e.Outcome = Outcome(outcome)
		if paramsJSON != "{}" && paramsJSON != "" {
			_ = json.Unmarshal([]byte(paramsJSON), &e.Params)
		}
		if contextJSON != "{}" && contextJSON != "" {
			_ = json.Unmarshal([]byte(contextJSON), &e.Context)
		}
		e.Timestamp, _ = parseTime(ts)
		result = append(result, e)
	}
	return result, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error { return s.db.Close() }

// parseTime handles the datetime formats SQLite hands back.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
