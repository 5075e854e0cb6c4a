package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/reckon/internal/ir"
)

// Put writes value at key if the stored revision equals expected.
// Expected 0 creates the key and fails if it already exists.
//
// The read of the current revision and the write share one transaction,
// so the compare-and-swap is atomic.
func (s *SQLite) Put(ctx context.Context, collection, key string, value []byte, expected int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	actual, err := currentRevision(ctx, tx, collection, key)
	if err != nil {
		return 0, err
	}
	if actual != expected {
		return 0, &ir.ConflictError{Collection: collection, Key: key, Expected: expected, Actual: actual}
	}

	next := expected + 1
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if expected == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (collection, key, value, revision, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, collection, key, value, next, now)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET value = ?, revision = ?, updated_at = ?
			WHERE collection = ? AND key = ? AND revision = ?
		`, value, next, now, collection, key, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", collection, key, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return next, nil
}

// Delete removes key if the stored revision equals expected. Deleting a
// missing key returns ErrNotFound.
func (s *SQLite) Delete(ctx context.Context, collection, key string, expected int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	actual, err := currentRevision(ctx, tx, collection, key)
	if err != nil {
		return err
	}
	if actual == 0 {
		return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	if actual != expected {
		return &ir.ConflictError{Collection: collection, Key: key, Expected: expected, Actual: actual}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM records WHERE collection = ? AND key = ?
	`, collection, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// currentRevision returns the stored revision, or 0 for a missing key.
func currentRevision(ctx context.Context, tx *sql.Tx, collection, key string) (int64, error) {
	var rev int64
	err := tx.QueryRowContext(ctx, `
		SELECT revision FROM records WHERE collection = ? AND key = ?
	`, collection, key).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read revision %s/%s: %w", collection, key, err)
	}
	return rev, nil
}
