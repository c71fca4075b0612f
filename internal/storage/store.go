/**
 * Result Store
 *
 * Persists recognition results. Backed by SQL: PostgreSQL for shared
 * deployments, SQLite for single-node and CLI use.
 */

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// ErrNotFound is returned when a result id does not exist
var ErrNotFound = errors.New("result not found")

// ResultStore persists recognition results
type ResultStore interface {
	// Save inserts or replaces the result with the same id
	Save(ctx context.Context, result *ocr.RecognitionResult) error
	// ListAll returns every result ordered by creation time, oldest first
	ListAll(ctx context.Context) ([]*ocr.RecognitionResult, error)
	GetByID(ctx context.Context, id string) (*ocr.RecognitionResult, error)
	DeleteByID(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}

// Open creates the store selected by driver
func Open(ctx context.Context, driver, sqlitePath, databaseURL string) (ResultStore, error) {
	var (
		store *SQLStore
		err   error
	)
	switch driver {
	case "postgres":
		store, err = NewPostgresStore(ctx, databaseURL)
	case "sqlite", "":
		store, err = NewSQLiteStore(ctx, sqlitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
