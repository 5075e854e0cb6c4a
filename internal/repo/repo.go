// Package repo provides typed access to reckon's entities on top of a
// store.RecordStore.
//
// Every write is a compare-and-swap against the revision last read. Read-
// modify-write helpers retry a ConflictError by rereading and reapplying
// the mutation, up to a small bound, then surface the conflict.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/store"
)

// Collection names. One record per entity instance, namespaced by type.
const (
	CollDeclarations = "declarations"
	CollFacts        = "facts"
	CollRules        = "rules"
	CollTriggers     = "triggers"
	CollJobs         = "jobs"
	CollFirings      = "firings"
)

// CollPendingFirings indexes firing tokens whose decision may still be
// Pending, so ticks do not scan the firing history.
const CollPendingFirings = "pending_firings"

// DefaultConflictRetries bounds reread-and-reapply loops.
const DefaultConflictRetries = 3

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = store.ErrNotFound

// ErrExists is returned when creating an entity whose key is taken.
var ErrExists = errors.New("already exists")

// errDelete is returned by a mutation to request deletion.
var errDelete = errors.New("delete record")

// Repository is the typed fact repository.
type Repository struct {
	rs      store.RecordStore
	clock   ir.Clock
	retries int
	logger  *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock sets the clock used for created/updated timestamps.
func WithClock(c ir.Clock) Option {
	return func(r *Repository) { r.clock = c }
}

// WithConflictRetries sets how many times a conflicting write is
// reapplied before the ConflictError is returned.
func WithConflictRetries(n int) Option {
	return func(r *Repository) {
		if n >= 0 {
			r.retries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// New creates a repository over rs.
func New(rs store.RecordStore, opts ...Option) *Repository {
	r := &Repository{
		rs:      rs,
		clock:   ir.SystemClock{},
		retries: DefaultConflictRetries,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying record store.
func (r *Repository) Store() store.RecordStore { return r.rs }

// Clock returns the repository clock.
func (r *Repository) Clock() ir.Clock { return r.clock }

func decode[T any](rec store.Record) (T, error) {
	var v T
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", rec.Key, err)
	}
	return v, nil
}

// get reads and decodes one record, returning its revision.
func get[T any](ctx context.Context, r *Repository, coll, key string) (T, int64, error) {
	var zero T
	rec, err := r.rs.Get(ctx, coll, key)
	if err != nil {
		return zero, 0, err
	}
	v, err := decode[T](rec)
	if err != nil {
		return zero, 0, err
	}
	return v, rec.Revision, nil
}

type revisioned[T any] struct {
	value    T
	revision int64
}

// list decodes every record of a collection in key order.
func list[T any](ctx context.Context, r *Repository, coll string) ([]revisioned[T], error) {
	recs, err := store.ListAll(ctx, r.rs, coll)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", coll, err)
	}
	out := make([]revisioned[T], 0, len(recs))
	for _, rec := range recs {
		v, err := decode[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, revisioned[T]{value: v, revision: rec.Revision})
	}
	return out, nil
}

// create writes a new record; an existing key yields ErrExists.
func create[T any](ctx context.Context, r *Repository, coll, key string, v T) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", coll, key, err)
	}
	rev, err := r.rs.Put(ctx, coll, key, data, 0)
	if ir.IsConflictError(err) {
		return 0, fmt.Errorf("%s/%s: %w", coll, key, ErrExists)
	}
	return rev, err
}

// put writes v expecting revision rev, with no retry.
func put[T any](ctx context.Context, r *Repository, coll, key string, v T, rev int64) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", coll, key, err)
	}
	return r.rs.Put(ctx, coll, key, data, rev)
}

// mutate applies fn to the current value of key and writes the result.
// exists is false when the key is missing. Returning errDelete removes
// the record; any other error aborts without writing. ConflictErrors
// are retried by rereading and reapplying fn.
func mutate[T any](ctx context.Context, r *Repository, coll, key string, fn func(cur *T, exists bool) error) (T, int64, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		cur, rev, err := get[T](ctx, r, coll, key)
		exists := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return cur, 0, err
		}

		next := cur
		if err := fn(&next, exists); err != nil {
			if errors.Is(err, errDelete) {
				if !exists {
					return next, 0, nil
				}
				err = r.rs.Delete(ctx, coll, key, rev)
				if ir.IsConflictError(err) {
					lastErr = err
					continue
				}
				return next, 0, err
			}
			return cur, rev, err
		}

		newRev, err := put(ctx, r, coll, key, next, rev)
		if ir.IsConflictError(err) {
			lastErr = err
			r.logger.Debug("write conflict, retrying", "collection", coll, "key", key, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return next, 0, err
		}
		return next, newRev, nil
	}
	var zero T
	return zero, 0, lastErr
}

// remove deletes key regardless of revision, retrying conflicts.
func remove(ctx context.Context, r *Repository, coll, key string) error {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		rec, err := r.rs.Get(ctx, coll, key)
		if err != nil {
			return err
		}
		err = r.rs.Delete(ctx, coll, key, rec.Revision)
		if ir.IsConflictError(err) {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}
