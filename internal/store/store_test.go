package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reckon/internal/ir"
)

func createTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesPragmas(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := Open(path)
	require.NoError(t, err)
	_, err = s1.Put(context.Background(), "facts", "a", []byte("1"), 0)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	rec, err := s2.Get(context.Background(), "facts", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), rec.Value)
}

func TestPutCreateAndUpdate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rev, err := s.Put(ctx, "facts", "k", []byte("v1"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	rev, err = s.Put(ctx, "facts", "k", []byte("v2"), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)

	rec, err := s.Get(ctx, "facts", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Value)
	assert.Equal(t, int64(2), rec.Revision)
}

func TestPutConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "facts", "k", []byte("v1"), 0)
	require.NoError(t, err)

	_, err = s.Put(ctx, "facts", "k", []byte("again"), 0)
	var ce *ir.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(0), ce.Expected)
	assert.Equal(t, int64(1), ce.Actual)

	_, err = s.Put(ctx, "facts", "k", []byte("stale"), 7)
	assert.True(t, ir.IsConflictError(err))

	_, err = s.Put(ctx, "facts", "missing", []byte("x"), 3)
	assert.True(t, ir.IsConflictError(err))

	rec, err := s.Get(ctx, "facts", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), rec.Value)
}

func TestCollectionsAreNamespaced(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "facts", "k", []byte("fact"), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, "rules", "k", []byte("rule"), 0)
	require.NoError(t, err)

	rec, err := s.Get(ctx, "rules", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("rule"), rec.Value)
}

func TestGetNotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Get(context.Background(), "facts", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "jobs", "j", []byte("x"), 0)
	require.NoError(t, err)

	assert.True(t, ir.IsConflictError(s.Delete(ctx, "jobs", "j", 5)))
	require.NoError(t, s.Delete(ctx, "jobs", "j", 1))

	_, err = s.Get(ctx, "jobs", "j")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "jobs", "j", 1), ErrNotFound)
}

func TestListPaginates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Put(ctx, "facts", fmt.Sprintf("k%d", i), []byte("v"), 0)
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, "other", "k9", []byte("v"), 0)
	require.NoError(t, err)

	page, err := s.List(ctx, "facts", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "k0", page.Records[0].Key)
	assert.Equal(t, "k1", page.Next)

	page, err = s.List(ctx, "facts", page.Next, 2)
	require.NoError(t, err)
	assert.Equal(t, "k2", page.Records[0].Key)

	page, err = s.List(ctx, "facts", "k3", 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Empty(t, page.Next)

	all, err := ListAll(ctx, s, "facts")
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestConcurrentCreateHasOneWinner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, "jobs", "claim", []byte("x"), 0)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
			} else if ir.IsConflictError(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 7, conflicts)
}

func TestListOrdersKeysBytewise(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"b", "a", "B", "_x"} {
		_, err := s.Put(ctx, "triggers", k, []byte(`{}`), 0)
		require.NoError(t, err)
	}

	page, err := s.List(ctx, "triggers", "", 0)
	require.NoError(t, err)
	keys := make([]string, 0, len(page.Records))
	for _, r := range page.Records {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"B", "_x", "a", "b"}, keys)
	assert.Empty(t, page.Next)
}
