package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Store is the persistence layer for assistants, sessions, cache, usage and secrets.
// Queries are written with ? placeholders and rebound for the driver in use.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to an in-memory SQLite database is a separate database.
	if driver == DriverSQLite && (dsn == ":memory:" || strings.Contains(dsn, "mode=memory")) {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tool_definitions (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		parameters    TEXT NOT NULL DEFAULT '{}',
		base_url      TEXT NOT NULL DEFAULT '',
		response_mode TEXT NOT NULL DEFAULT 'text',
		updated_ts    BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS assistants (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		type           TEXT NOT NULL DEFAULT 'simple',
		model          TEXT NOT NULL DEFAULT '',
		instructions   TEXT NOT NULL DEFAULT '',
		creativity     DOUBLE PRECISION NOT NULL DEFAULT 0.7,
		context_length INTEGER NOT NULL DEFAULT 5,
		external_code  TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'active',
		tool_id        TEXT NOT NULL DEFAULT '',
		updated_ts     BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		assistant_id  TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		handle        TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		slots         TEXT NOT NULL DEFAULT '{}',
		updated_ts    BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (assistant_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS search_cache (
		cache_key  TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		expires_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_search_cache_expires ON search_cache(expires_ts)`,
	`CREATE TABLE IF NOT EXISTS assistant_usage (
		assistant_id  TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		message_count BIGINT NOT NULL DEFAULT 0,
		tokens_used   BIGINT NOT NULL DEFAULT 0,
		cost          NUMERIC NOT NULL DEFAULT 0,
		updated_ts    BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (assistant_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_stats (
		day               TEXT NOT NULL,
		endpoint          TEXT NOT NULL,
		model             TEXT NOT NULL,
		request_count     BIGINT NOT NULL DEFAULT 0,
		prompt_tokens     BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens      BIGINT NOT NULL DEFAULT 0,
		cost              NUMERIC NOT NULL DEFAULT 0,
		PRIMARY KEY (day, endpoint, model)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		assistant_id TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		created_ts   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_assistant_user ON messages(assistant_id, user_id, created_ts)`,
	`CREATE TABLE IF NOT EXISTS api_requests (
		id          TEXT PRIMARY KEY,
		endpoint    TEXT NOT NULL,
		method      TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		latency_ms  BIGINT NOT NULL,
		tokens      INTEGER NOT NULL DEFAULT 0,
		model       TEXT NOT NULL DEFAULT '',
		created_ts  BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key_name   TEXT PRIMARY KEY,
		key_value  TEXT NOT NULL,
		updated_ts BIGINT NOT NULL DEFAULT 0
	)`,
}

// Migrate creates the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
