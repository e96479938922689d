package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite supports one writer at a time. Keep the pool small to avoid
	// contention while leaving some read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			winner_provider TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			error_type TEXT NOT NULL DEFAULT '',
			stop_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			provider_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			error_type TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON calls(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_run ON calls(run_id)`,
		`CREATE TABLE IF NOT EXISTS daily_spend (
			provider_id TEXT NOT NULL,
			day TEXT NOT NULL,
			amount_usd REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (provider_id, day)
		)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runs

func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, timestamp, fingerprint, mode, status, winner_provider,
		 attempts, latency_ms, tokens_in, tokens_out, cost_usd, error_type, stop_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   timestamp=excluded.timestamp,
		   status=excluded.status,
		   winner_provider=excluded.winner_provider,
		   attempts=excluded.attempts,
		   latency_ms=excluded.latency_ms,
		   tokens_in=excluded.tokens_in,
		   tokens_out=excluded.tokens_out,
		   cost_usd=excluded.cost_usd,
		   error_type=excluded.error_type,
		   stop_reason=excluded.stop_reason`,
		run.RunID, run.Timestamp.UTC().Format(time.RFC3339Nano), run.Fingerprint, run.Mode,
		run.Status, run.WinnerProvider, run.Attempts, run.LatencyMs,
		run.TokensIn, run.TokensOut, run.CostUSD, run.ErrorType, run.StopReason)
	return err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, timestamp, fingerprint, mode, status, winner_provider,
		 attempts, latency_ms, tokens_in, tokens_out, cost_usd, error_type, stop_reason
		 FROM runs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, timestamp, fingerprint, mode, status, winner_provider,
		 attempts, latency_ms, tokens_in, tokens_out, cost_usd, error_type, stop_reason
		 FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	var ts string
	err := row.Scan(&r.RunID, &ts, &r.Fingerprint, &r.Mode, &r.Status, &r.WinnerProvider,
		&r.Attempts, &r.LatencyMs, &r.TokensIn, &r.TokensOut, &r.CostUSD, &r.ErrorType, &r.StopReason)
	if err != nil {
		return r, err
	}
	r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return r, nil
}

// Calls

func (s *SQLiteStore) SaveCall(ctx context.Context, call CallRecord) error {
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (timestamp, run_id, provider_id, model, mode, attempt, status,
		 outcome, latency_ms, tokens_in, tokens_out, cost_usd, error_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.Timestamp.UTC().Format(time.RFC3339Nano), call.RunID, call.ProviderID, call.Model,
		call.Mode, call.Attempt, call.Status, call.Outcome, call.LatencyMs,
		call.TokensIn, call.TokensOut, call.CostUSD, call.ErrorType)
	return err
}

func (s *SQLiteStore) ListCalls(ctx context.Context, runID string) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, run_id, provider_id, model, mode, attempt, status,
		 outcome, latency_ms, tokens_in, tokens_out, cost_usd, error_type
		 FROM calls WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	return collectCalls(rows)
}

func (s *SQLiteStore) ListCallsSince(ctx context.Context, since time.Time) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, run_id, provider_id, model, mode, attempt, status,
		 outcome, latency_ms, tokens_in, tokens_out, cost_usd, error_type
		 FROM calls WHERE timestamp >= ? ORDER BY id ASC`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return collectCalls(rows)
}

func collectCalls(rows *sql.Rows) ([]CallRecord, error) {
	defer func() { _ = rows.Close() }()

	var calls []CallRecord
	for rows.Next() {
		var c CallRecord
		var ts string
		if err := rows.Scan(&c.ID, &ts, &c.RunID, &c.ProviderID, &c.Model, &c.Mode,
			&c.Attempt, &c.Status, &c.Outcome, &c.LatencyMs,
			&c.TokensIn, &c.TokensOut, &c.CostUSD, &c.ErrorType); err != nil {
			return nil, err
		}
		c.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// Daily spend

func (s *SQLiteStore) DailySpend(ctx context.Context, providerID string, day string) (float64, error) {
	var amount float64
	err := s.db.QueryRowContext(ctx,
		`SELECT amount_usd FROM daily_spend WHERE provider_id = ? AND day = ?`,
		providerID, day).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return amount, nil
}

func (s *SQLiteStore) AddSpend(ctx context.Context, providerID string, day string, amountUSD float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_spend (provider_id, day, amount_usd) VALUES (?, ?, ?)
		 ON CONFLICT(provider_id, day) DO UPDATE SET amount_usd = amount_usd + excluded.amount_usd`,
		providerID, day, amountUSD)
	return err
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}
