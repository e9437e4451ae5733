package gateway

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeNet is a scripted network layer that counts calls per URL.
type fakeNet struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, req Request) (Response, error)
}

func newFakeNet(fn func(ctx context.Context, req Request) (Response, error)) *fakeNet {
	return &fakeNet{calls: map[string]int{}, fn: fn}
}

func (f *fakeNet) Fetch(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeNet) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func okResponse(body string) Response {
	return newResponse(http.StatusOK, http.Header{"Content-Type": {"text/plain"}}, []byte(body))
}

type testEngine struct {
	*Engine
	storage *MemoryStorage
	tasks   *taskRunner
}

func newTestEngine(t *testing.T, net Fetcher, apiTimeout time.Duration) testEngine {
	t.Helper()
	ctx := context.Background()
	storage := NewMemoryStorage()
	api, err := storage.Open(ctx, StoreAPI)
	require.NoError(t, err)
	asset, err := storage.Open(ctx, StoreAsset)
	require.NoError(t, err)
	page, err := storage.Open(ctx, StorePage)
	require.NoError(t, err)

	tasks := newTaskRunner(128, 5*time.Second)
	t.Cleanup(tasks.Close)

	e := NewEngine(EngineOptions{
		Matcher:      NewRouteMatcher("/api"),
		Network:      net,
		API:          api,
		Asset:        asset,
		Page:         page,
		Policy:       ExpirationPolicy{MaxEntries: 60, MaxAge: 30 * 24 * time.Hour},
		APITimeout:   apiTimeout,
		IgnoreParams: []string{"_", "utm_*"},
	}, tasks)
	return testEngine{Engine: e, storage: storage, tasks: tasks}
}

func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("server:\n  origin: http://origin.test\nstorage:\n  backend: memory\n" + extra))
	require.NoError(t, err)
	return cfg
}
