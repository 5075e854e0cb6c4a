package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Get reads one record.
func (s *SQLite) Get(ctx context.Context, collection, key string) (Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, revision
		FROM records
		WHERE collection = ? AND key = ?
	`, collection, key).Scan(&rec.Key, &rec.Value, &rec.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return rec, nil
}

// List returns up to limit records after cursor, ordered by key.
func (s *SQLite) List(ctx context.Context, collection, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	// Fetch one extra row to learn whether another page exists.
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, revision
		FROM records
		WHERE collection = ? AND key > ?
		ORDER BY key COLLATE BINARY ASC
		LIMIT ?
	`, collection, cursor, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Revision); err != nil {
			return Page{}, fmt.Errorf("scan %s: %w", collection, err)
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list %s: %w", collection, err)
	}

	if len(page.Records) > limit {
		page.Records = page.Records[:limit]
		page.Next = page.Records[limit-1].Key
	}
	return page, nil
}

// ListAll drains every page of a collection.
func ListAll(ctx context.Context, rs RecordStore, collection string) ([]Record, error) {
	var out []Record
	cursor := ""
	for {
		page, err := rs.List(ctx, collection, cursor, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.Next == "" {
			return out, nil
		}
		cursor = page.Next
	}
}
