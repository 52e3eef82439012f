package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const journalTable = "session_journal"

// PostgresSink appends entries to <schema>.session_journal.
//
// The sink does not own the pool; Close is a no-op.
type PostgresSink struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresSink.
type PostgresOption func(*PostgresSink) error

// WithSchema sets the schema holding the journal table (default "tsdocs").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresSink) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("journal: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("journal: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresSink constructs a Postgres-backed sink.
func NewPostgresSink(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresSink, error) {
	s := &PostgresSink{pool: pool, schema: "tsdocs"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("journal: nil pool")
	}
	return s, nil
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	table := pgIdent(s.schema, journalTable)
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
  id        TEXT PRIMARY KEY,
  at        TIMESTAMPTZ NOT NULL,
  kind      TEXT NOT NULL,
  user_id   BIGINT,
  username  TEXT,
  detail    JSONB NOT NULL DEFAULT '{}'::jsonb
)`,
		`CREATE INDEX IF NOT EXISTS session_journal_at_idx ON ` + table + ` (at DESC)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure journal schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, e Entry) error {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}

	var userID *int64
	if e.UserID != 0 {
		userID = &e.UserID
	}
	var username *string
	if e.Username != "" {
		username = &e.Username
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, journalTable)+` (id, at, kind, user_id, username, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.At, e.Kind, userID, username, raw,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, at, kind, COALESCE(user_id, 0), COALESCE(username, ''), detail
		   FROM `+pgIdent(s.schema, journalTable)+`
		  ORDER BY at DESC, id DESC
		  LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e   Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.At, &e.Kind, &e.UserID, &e.Username, &raw); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresSink) Close() error { return nil }

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
