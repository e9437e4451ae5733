package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStorageConformance runs the behaviour every backend must share.
func testStorageConformance(t *testing.T, storage CacheStorage) {
	ctx := context.Background()

	t.Run("match miss", func(t *testing.T) {
		st, err := storage.Open(ctx, "conf-miss")
		require.NoError(t, err)
		_, err = st.Match(ctx, "/nothing")
		assert.ErrorIs(t, err, ErrStoreMiss)
	})

	t.Run("put and match round trip", func(t *testing.T) {
		st, err := storage.Open(ctx, "conf-roundtrip")
		require.NoError(t, err)

		ent := newResponse(http.StatusOK, http.Header{"Content-Type": {"application/json"}, "Etag": {`"v1"`}}, []byte(`{"ok":true}`))
		require.NoError(t, st.Put(ctx, "/api/me", ent))

		got, err := st.Match(ctx, "/api/me")
		require.NoError(t, err)
		assert.Equal(t, ent.Status, got.Status)
		assert.Equal(t, ent.Body, got.Body)
		assert.Equal(t, ent.StoredAt, got.StoredAt)
		assert.Equal(t, ent.Hash32, got.Hash32)
		assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
		assert.Equal(t, `"v1"`, got.Header.Get("Etag"))
	})

	t.Run("put replaces and counts as newest insertion", func(t *testing.T) {
		st, err := storage.Open(ctx, "conf-order")
		require.NoError(t, err)
		for _, k := range []string{"/a", "/b", "/c"} {
			require.NoError(t, st.Put(ctx, k, okResponse(k)))
		}
		require.NoError(t, st.Put(ctx, "/a", okResponse("again")))

		entries, err := st.Entries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "/b", entries[0].Key)
		assert.Equal(t, "/c", entries[1].Key)
		assert.Equal(t, "/a", entries[2].Key)
		assert.Less(t, entries[0].Seq, entries[1].Seq)
		assert.Less(t, entries[1].Seq, entries[2].Seq)

		got, err := st.Match(ctx, "/a")
		require.NoError(t, err)
		assert.Equal(t, "again", string(got.Body))

		n, err := st.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("entry delete", func(t *testing.T) {
		st, err := storage.Open(ctx, "conf-delete")
		require.NoError(t, err)
		require.NoError(t, st.Put(ctx, "/x", okResponse("x")))

		ok, err := st.Delete(ctx, "/x")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = st.Delete(ctx, "/x")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = st.Match(ctx, "/x")
		assert.ErrorIs(t, err, ErrStoreMiss)
	})

	t.Run("named stores are isolated and deletable", func(t *testing.T) {
		a, err := storage.Open(ctx, "conf-iso-a")
		require.NoError(t, err)
		b, err := storage.Open(ctx, "conf-iso-b")
		require.NoError(t, err)
		require.NoError(t, a.Put(ctx, "/same", okResponse("a")))
		require.NoError(t, b.Put(ctx, "/same", okResponse("b")))

		got, err := b.Match(ctx, "/same")
		require.NoError(t, err)
		assert.Equal(t, "b", string(got.Body))

		has, err := storage.Has(ctx, "conf-iso-a")
		require.NoError(t, err)
		assert.True(t, has)

		ok, err := storage.Delete(ctx, "conf-iso-a")
		require.NoError(t, err)
		assert.True(t, ok)

		has, err = storage.Has(ctx, "conf-iso-a")
		require.NoError(t, err)
		assert.False(t, has)

		names, err := storage.Names(ctx)
		require.NoError(t, err)
		assert.NotContains(t, names, "conf-iso-a")
		assert.Contains(t, names, "conf-iso-b")

		reopened, err := storage.Open(ctx, "conf-iso-a")
		require.NoError(t, err)
		_, err = reopened.Match(ctx, "/same")
		assert.ErrorIs(t, err, ErrStoreMiss)

		ok, err = storage.Delete(ctx, "conf-never-opened")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("sequence is global across stores", func(t *testing.T) {
		a, err := storage.Open(ctx, "conf-seq-a")
		require.NoError(t, err)
		b, err := storage.Open(ctx, "conf-seq-b")
		require.NoError(t, err)
		require.NoError(t, a.Put(ctx, "/1", okResponse("1")))
		require.NoError(t, b.Put(ctx, "/2", okResponse("2")))

		ea, err := a.Entries(ctx)
		require.NoError(t, err)
		eb, err := b.Entries(ctx)
		require.NoError(t, err)
		require.Len(t, ea, 1)
		require.Len(t, eb, 1)
		assert.Less(t, ea[0].Seq, eb[0].Seq)
	})
}

func TestMemoryStorage(t *testing.T) {
	testStorageConformance(t, NewMemoryStorage())
}

func TestLevelDBStorage(t *testing.T) {
	s, err := OpenLevelDBStorage(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer s.Close()
	testStorageConformance(t, s)
}

func TestLevelDBStorage_PutDuringDelete(t *testing.T) {
	ctx := context.Background()
	s, err := OpenLevelDBStorage(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					st, err := s.Open(ctx, "page-cache")
					if err != nil {
						continue
					}
					_ = st.Put(ctx, fmt.Sprintf("/p/%d", i), okResponse("x"))
				}
			}()
		}
		for i := 0; i < 200; i++ {
			_, _ = s.Delete(ctx, "page-cache")
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("put and delete deadlocked")
	}
}

func TestLevelDBStorage_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")

	s, err := OpenLevelDBStorage(dir)
	require.NoError(t, err)
	st, err := s.Open(ctx, StoreAsset)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.Put(ctx, fmt.Sprintf("/assets/%d.js", i), okResponse("js")))
	}
	require.NoError(t, s.Close())

	s, err = OpenLevelDBStorage(dir)
	require.NoError(t, err)
	defer s.Close()

	has, err := s.Has(ctx, StoreAsset)
	require.NoError(t, err)
	assert.True(t, has)

	st, err = s.Open(ctx, StoreAsset)
	require.NoError(t, err)
	entries, err := st.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "/assets/0.js", entries[0].Key)
	assert.Equal(t, "/assets/2.js", entries[2].Key)

	// The sequence resumes after the persisted value.
	require.NoError(t, st.Put(ctx, "/assets/new.js", okResponse("js")))
	entries, err = st.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/assets/new.js", entries[len(entries)-1].Key)
	assert.Greater(t, entries[len(entries)-1].Seq, entries[len(entries)-2].Seq)
}

// TestRedisStorage needs a live server, e.g. TAGFLOW_TEST_REDIS=localhost:6379.
func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("TAGFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("TAGFLOW_TEST_REDIS not set")
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rc.Ping(context.Background()).Err())

	s := NewRedisStorageFromClient(rc, "tagflow-test-"+uuid.NewString())
	t.Cleanup(func() { _ = s.Close() })
	t.Cleanup(func() {
		names, _ := s.Names(context.Background())
		for _, n := range names {
			_, _ = s.Delete(context.Background(), n)
		}
	})
	testStorageConformance(t, s)
}

func TestOpenStorage_SelectsBackend(t *testing.T) {
	cfg := testConfig(t, "")
	s, err := OpenStorage(cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	cfg.Storage.Backend = backendLevelDB
	cfg.Storage.Dir = filepath.Join(t.TempDir(), "db")
	s, err = OpenStorage(cfg)
	require.NoError(t, err)
	assert.IsType(t, &LevelDBStorage{}, s)
	require.NoError(t, s.Close())
}
