package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// Dialect selects placeholder style and error decoration
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const resultColumns = "id, image_ref, recognized_text, created_at, provider, payload_bytes, language, prepared_ref, document_hint"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scan_results (
		id              TEXT PRIMARY KEY,
		image_ref       TEXT NOT NULL,
		recognized_text TEXT NOT NULL,
		created_at      BIGINT NOT NULL,
		provider        TEXT NOT NULL,
		payload_bytes   BIGINT NOT NULL DEFAULT 0,
		language        TEXT NOT NULL DEFAULT '',
		prepared_ref    TEXT NOT NULL DEFAULT '',
		document_hint   BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_results_created_at ON scan_results (created_at)`,
}

// SQLStore implements ResultStore on database/sql.
// Timestamps are stored as unix milliseconds so both dialects order them identically.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. Call EnsureSchema before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// EnsureSchema creates the results table if missing
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return s.wrap("create schema", err)
		}
	}
	return nil
}

// Save upserts a result
func (s *SQLStore) Save(ctx context.Context, r *ocr.RecognitionResult) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("result ID is required")
	}

	query := s.rebind(`
		INSERT INTO scan_results (` + resultColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			image_ref = excluded.image_ref,
			recognized_text = excluded.recognized_text,
			created_at = excluded.created_at,
			provider = excluded.provider,
			payload_bytes = excluded.payload_bytes,
			language = excluded.language,
			prepared_ref = excluded.prepared_ref,
			document_hint = excluded.document_hint`)

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.ImageRef,
		r.RecognizedText,
		r.CreatedAt.UnixMilli(),
		string(r.Provider),
		r.PayloadBytes,
		r.Language,
		r.PreparedRef,
		r.DocumentHint,
	)
	if err != nil {
		return s.wrap("save result", err)
	}
	return nil
}

// ListAll returns all results, oldest first
func (s *SQLStore) ListAll(ctx context.Context) ([]*ocr.RecognitionResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM scan_results ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, s.wrap("list results", err)
	}
	defer rows.Close()

	results := make([]*ocr.RecognitionResult, 0)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, s.wrap("scan result", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterate results", err)
	}
	return results, nil
}

// GetByID returns one result or ErrNotFound
func (s *SQLStore) GetByID(ctx context.Context, id string) (*ocr.RecognitionResult, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+resultColumns+` FROM scan_results WHERE id = ?`), id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get result", err)
	}
	return r, nil
}

// DeleteByID removes one result. Missing ids return ErrNotFound.
func (s *SQLStore) DeleteByID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scan_results WHERE id = ?`), id)
	if err != nil {
		return s.wrap("delete result", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("delete result", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every result
func (s *SQLStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scan_results`); err != nil {
		return s.wrap("clear results", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row rowScanner) (*ocr.RecognitionResult, error) {
	var (
		r         ocr.RecognitionResult
		createdAt int64
		provider  string
	)
	if err := row.Scan(&r.ID, &r.ImageRef, &r.RecognizedText, &createdAt, &provider,
		&r.PayloadBytes, &r.Language, &r.PreparedRef, &r.DocumentHint); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.Provider = ocr.ProviderID(provider)
	return &r, nil
}

// rebind turns ? placeholders into $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *SQLStore) wrap(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s: postgres %s (%s): %w", op, pqErr.Code, pqErr.Code.Name(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
