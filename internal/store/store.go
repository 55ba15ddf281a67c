// Package store persists the decision log in SQL. SQLite (modernc) is the
// default; Postgres is reached through pgx's database/sql driver.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/gyaneshwarpardhi/triggerflow/internal/decision"
	"github.com/gyaneshwarpardhi/triggerflow/internal/dispatch"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    trigger_id TEXT NOT NULL,
    group_key TEXT NOT NULL,
    spec_version BIGINT NOT NULL,
    status TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_status_created ON decisions(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS decision_attempts (
    decision_id TEXT NOT NULL,
    action_index INTEGER NOT NULL,
    attempt INTEGER NOT NULL,
    error TEXT,
    at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_decision ON decision_attempts(decision_id)`,
}

// DecisionLog is a dispatch.Log on a SQL database.
type DecisionLog struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

var _ dispatch.Log = (*DecisionLog)(nil)

// Open connects to the database and creates the schema if needed.
func Open(ctx context.Context, driver, dsn string) (*DecisionLog, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		// SQLite allows one writer; serialize through a single connection.
		db.SetMaxOpenConns(1)
	case DriverPostgres, "pgx", "postgresql":
		cfg, perr := pgx.ParseConfig(dsn)
		if perr != nil {
			return nil, fmt.Errorf("parsing postgres dsn: %w", perr)
		}
		db = stdlib.OpenDB(*cfg)
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
	}
	return &DecisionLog{db: db, postgres: driver == DriverPostgres, now: time.Now}, nil
}

// Close closes the database connection.
func (l *DecisionLog) Close() error { return l.db.Close() }

// Ping checks the connection.
func (l *DecisionLog) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }

func (l *DecisionLog) Append(ctx context.Context, d *decision.FireDecision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}
	now := l.now().UnixNano()
	_, err = l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO decisions (id, trigger_id, group_key, spec_version, status, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		d.ID, d.TriggerID, d.GroupKey, int64(d.SpecVersion), string(dispatch.StatusPending), string(payload), now, now,
	)
	if err != nil {
		return fmt.Errorf("appending decision: %w", err)
	}
	return nil
}

func (l *DecisionLog) Finish(ctx context.Context, id string, status dispatch.Status) error {
	_, err := l.db.ExecContext(ctx, l.rebind(`UPDATE decisions SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), l.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("finishing decision: %w", err)
	}
	return nil
}

func (l *DecisionLog) Status(ctx context.Context, id string) (dispatch.Status, error) {
	var s string
	err := l.db.QueryRowContext(ctx, l.rebind(`SELECT status FROM decisions WHERE id = ?`), id).Scan(&s)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading decision status: %w", err)
	}
	return dispatch.Status(s), nil
}

func (l *DecisionLog) RecordAttempt(ctx context.Context, id string, index, attempt int, aerr error) error {
	var msg sql.NullString
	if aerr != nil {
		msg = sql.NullString{String: aerr.Error(), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO decision_attempts (decision_id, action_index, attempt, error, at)
		VALUES (?, ?, ?, ?, ?)`),
		id, index, attempt, msg, l.now().UnixNano())
	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	return nil
}

func (l *DecisionLog) Pending(ctx context.Context, cutoff time.Time, limit int) ([]*decision.FireDecision, error) {
	query := `SELECT payload FROM decisions WHERE status = ? AND created_at < ? ORDER BY created_at`
	args := []any{string(dispatch.StatusPending), cutoff.UnixNano()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending decisions: %w", err)
	}
	defer rows.Close()

	var out []*decision.FireDecision
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		d := &decision.FireDecision{}
		if err := json.Unmarshal([]byte(payload), d); err != nil {
			return nil, fmt.Errorf("decoding decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AttemptRecord is one row of decision_attempts.
type AttemptRecord struct {
	Index   int
	Attempt int
	Error   string
	At      time.Time
}

// Attempts lists the recorded attempts of a decision in order.
func (l *DecisionLog) Attempts(ctx context.Context, id string) ([]AttemptRecord, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(`
		SELECT action_index, attempt, error, at FROM decision_attempts
		WHERE decision_id = ? ORDER BY at, action_index, attempt`), id)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var (
			rec AttemptRecord
			msg sql.NullString
			at  int64
		)
		if err := rows.Scan(&rec.Index, &rec.Attempt, &msg, &at); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		rec.Error = msg.String
		rec.At = time.Unix(0, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes finished decisions (and their attempts) last updated before cutoff.
func (l *DecisionLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	finished := `SELECT id FROM decisions WHERE status <> ? AND updated_at < ?`
	if _, err := tx.ExecContext(ctx, l.rebind(`DELETE FROM decision_attempts WHERE decision_id IN (`+finished+`)`),
		string(dispatch.StatusPending), cutoff.UnixNano()); err != nil {
		return 0, fmt.Errorf("pruning attempts: %w", err)
	}
	res, err := tx.ExecContext(ctx, l.rebind(`DELETE FROM decisions WHERE status <> ? AND updated_at < ?`),
		string(dispatch.StatusPending), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning decisions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (l *DecisionLog) rebind(query string) string {
	if !l.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
