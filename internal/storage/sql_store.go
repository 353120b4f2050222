package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/aanthord/ingest-amqp/internal/tracing"
	"github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type dialect struct {
	driver string
	schema string
	insert string
	get    string
}

func postgresDialect(table string) dialect {
	t := pq.QuoteIdentifier(table)
	return dialect{
		driver: "postgres",
		schema: `CREATE TABLE IF NOT EXISTS ` + t + ` (
			id          TEXT PRIMARY KEY,
			document    JSONB NOT NULL,
			received_at TIMESTAMPTZ NOT NULL
		)`,
		insert: `INSERT INTO ` + t + ` (id, document, received_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		get:    `SELECT document FROM ` + t + ` WHERE id = $1`,
	}
}

func sqliteDialect(table string) dialect {
	t := pq.QuoteIdentifier(table)
	return dialect{
		driver: "sqlite",
		schema: `CREATE TABLE IF NOT EXISTS ` + t + ` (
			id          TEXT PRIMARY KEY,
			document    TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL
		)`,
		insert: `INSERT INTO ` + t + ` (id, document, received_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		get:    `SELECT document FROM ` + t + ` WHERE id = ?`,
	}
}

// SQLStore keeps one row per message id with the enriched document as JSON.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.SugaredLogger
}

func NewPostgresStore(ctx context.Context, dsn, table string, logger *zap.SugaredLogger) (*SQLStore, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres: %w", err)
	}
	return &SQLStore{db: db, dialect: postgresDialect(table), logger: logger}, nil
}

// NewSQLiteStore opens path, or an in-memory database for ":memory:".
func NewSQLiteStore(ctx context.Context, path, table string, logger *zap.SugaredLogger) (*SQLStore, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// Every pooled connection to ":memory:" would see its own empty database.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, dialect: sqliteDialect(table), logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, msg *models.EnrichedMessage) (bool, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "SQLSave", msg.ID)
	defer span.Finish()

	doc, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.dialect.insert, msg.ID, string(doc), msg.ReceivedAt)
	if err != nil {
		tracing.MarkError(span, "sql_insert_error", err)
		return false, fmt.Errorf("failed to insert message into %s: %w", s.dialect.driver, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.EnrichedMessage, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.dialect.get, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}

	var msg models.EnrichedMessage
	if err := json.Unmarshal(doc, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored message: %w", err)
	}
	return &msg, nil
}

// Ping creates the table on first success so a Postgres that comes up late
// is still migrated.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping %s: %w", s.dialect.driver, err)
	}
	return s.migrate(ctx)
}

func (s *SQLStore) Close(ctx context.Context) error {
	return s.db.Close()
}
