// Package natskv implements store.RecordStore on NATS JetStream key-value
// buckets, one bucket per collection. KV entry revisions serve as record
// revisions, so compare-and-swap maps onto Create and Update(rev).
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/roach88/reckon/internal/ir"
	"github.com/roach88/reckon/internal/store"
)

// DefaultBucketPrefix is prepended to collection names to form buckets.
const DefaultBucketPrefix = "RECKON"

// Store is a RecordStore over JetStream KV.
type Store struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
}

var _ store.RecordStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithBucketPrefix overrides DefaultBucketPrefix.
func WithBucketPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Connect dials url and returns a store that owns the connection.
func Connect(url string, opts ...Option) (*Store, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s, err := New(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. Close drains it.
func New(nc *nats.Conn, opts ...Option) (*Store, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	s := &Store{
		nc:      nc,
		js:      js,
		prefix:  DefaultBucketPrefix,
		logger:  slog.Default(),
		buckets: make(map[string]jetstream.KeyValue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BucketName maps a collection to its bucket name.
func BucketName(prefix, collection string) string {
	return prefix + "_" + strings.ToUpper(collection)
}

// encodeKey maps arbitrary record keys onto the KV key alphabet.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(encoded string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode key %q: %w", encoded, err)
	}
	return string(b), nil
}

func (s *Store) bucket(ctx context.Context, collection string) (jetstream.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kv, ok := s.buckets[collection]; ok {
		return kv, nil
	}
	name := BucketName(s.prefix, collection)
	kv, err := s.js.KeyValue(ctx, name)
	if err != nil {
		kv, err = s.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: fmt.Sprintf("reckon %s records", collection),
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("create kv bucket %s: %w", name, err)
		}
		s.logger.Debug("created kv bucket", "bucket", name)
	}
	s.buckets[collection] = kv
	return kv, nil
}

// Get reads one record.
func (s *Store) Get(ctx context.Context, collection, key string) (store.Record, error) {
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return store.Record{}, err
	}
	entry, err := kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return store.Record{}, fmt.Errorf("%s/%s: %w", collection, key, store.ErrNotFound)
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return store.Record{Key: key, Value: entry.Value(), Revision: int64(entry.Revision())}, nil
}

// List returns records after cursor in key order. JetStream has no
// ordered range scan, so keys are fetched and sorted client side.
func (s *Store) List(ctx context.Context, collection, cursor string, limit int) (store.Page, error) {
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return store.Page{}, err
	}

	encoded, err := kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return store.Page{}, nil
	}
	if err != nil {
		return store.Page{}, fmt.Errorf("list %s: %w", collection, err)
	}

	keys := make([]string, 0, len(encoded))
	for _, e := range encoded {
		k, err := decodeKey(e)
		if err != nil {
			s.logger.Warn("skipping undecodable key", "collection", collection, "error", err)
			continue
		}
		if k > cursor {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var page store.Page
	for _, k := range keys {
		if len(page.Records) == limit {
			page.Next = page.Records[limit-1].Key
			break
		}
		rec, err := s.Get(ctx, collection, k)
		if errors.Is(err, store.ErrNotFound) {
			continue // deleted between Keys and Get
		}
		if err != nil {
			return store.Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// Put writes value if the entry revision equals expected.
func (s *Store) Put(ctx context.Context, collection, key string, value []byte, expected int64) (int64, error) {
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return 0, err
	}

	var rev uint64
	if expected == 0 {
		rev, err = kv.Create(ctx, encodeKey(key), value)
	} else {
		rev, err = kv.Update(ctx, encodeKey(key), value, uint64(expected))
	}
	if err != nil {
		if isRevisionMismatch(err) {
			return 0, s.conflict(ctx, collection, key, expected)
		}
		return 0, fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return int64(rev), nil
}

// Delete removes key if the entry revision equals expected.
func (s *Store) Delete(ctx context.Context, collection, key string, expected int64) error {
	current, err := s.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	if current.Revision != expected {
		return &ir.ConflictError{Collection: collection, Key: key, Expected: expected, Actual: current.Revision}
	}

	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, encodeKey(key), jetstream.LastRevision(uint64(expected))); err != nil {
		if isRevisionMismatch(err) {
			return s.conflict(ctx, collection, key, expected)
		}
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// Close drains the underlying connection.
func (s *Store) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

func (s *Store) conflict(ctx context.Context, collection, key string, expected int64) error {
	var actual int64
	if rec, err := s.Get(ctx, collection, key); err == nil {
		actual = rec.Revision
	}
	return &ir.ConflictError{Collection: collection, Key: key, Expected: expected, Actual: actual}
}

// isRevisionMismatch reports whether err is JetStream rejecting a write
// because the key was not at the expected revision.
func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
