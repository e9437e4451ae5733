package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestExpirationPolicy_Expired(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	withClock(t, base)

	p := ExpirationPolicy{MaxAge: 30 * 24 * time.Hour}
	assert.False(t, p.Expired(base.Add(-29*24*time.Hour).Unix()))
	assert.False(t, p.Expired(base.Add(-30*24*time.Hour).Unix()))
	assert.True(t, p.Expired(base.Add(-30*24*time.Hour-time.Second).Unix()))

	assert.False(t, ExpirationPolicy{}.Expired(0), "zero MaxAge never expires")
}

func TestExpirationPolicy_EnforceMaxEntries(t *testing.T) {
	ctx := context.Background()
	st, err := NewMemoryStorage().Open(ctx, StoreAsset)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, st.Put(ctx, fmt.Sprintf("/k%d", i), okResponse("x")))
	}
	// Re-putting /k0 makes it the newest insertion.
	require.NoError(t, st.Put(ctx, "/k0", okResponse("y")))

	n, err := ExpirationPolicy{MaxEntries: 3}.Enforce(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := st.Entries(ctx)
	require.NoError(t, err)
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"/k3", "/k4", "/k0"}, keys)
}

func TestExpirationPolicy_EnforceIgnoresReads(t *testing.T) {
	ctx := context.Background()
	st, err := NewMemoryStorage().Open(ctx, StoreAsset)
	require.NoError(t, err)

	require.NoError(t, st.Put(ctx, "/first", okResponse("1")))
	require.NoError(t, st.Put(ctx, "/second", okResponse("2")))
	for i := 0; i < 10; i++ {
		_, err := st.Match(ctx, "/first")
		require.NoError(t, err)
	}

	_, err = ExpirationPolicy{MaxEntries: 1}.Enforce(ctx, st)
	require.NoError(t, err)

	_, err = st.Match(ctx, "/first")
	assert.ErrorIs(t, err, ErrStoreMiss)
	_, err = st.Match(ctx, "/second")
	assert.NoError(t, err)
}

func TestExpirationPolicy_EnforceMaxAgeFirst(t *testing.T) {
	ctx := context.Background()
	st, err := NewMemoryStorage().Open(ctx, StoreAsset)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	withClock(t, base)

	for i := 0; i < 4; i++ {
		ent := okResponse("x")
		ent.StoredAt = base.Add(-time.Duration(i) * 24 * time.Hour).Unix()
		require.NoError(t, st.Put(ctx, fmt.Sprintf("/d%d", i), ent))
	}

	n, err := ExpirationPolicy{MaxEntries: 2, MaxAge: 36 * time.Hour}.Enforce(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	l, err := st.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, l)
	_, err = st.Match(ctx, "/d0")
	assert.NoError(t, err)
	_, err = st.Match(ctx, "/d1")
	assert.NoError(t, err)
}

func TestExpirationPolicy_EnforceEmptyStore(t *testing.T) {
	ctx := context.Background()
	st, err := NewMemoryStorage().Open(ctx, StorePage)
	require.NoError(t, err)

	n, err := ExpirationPolicy{MaxEntries: 1, MaxAge: time.Hour}.Enforce(ctx, st)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_RunsOnSchedule(t *testing.T) {
	ctx := context.Background()
	st, err := NewMemoryStorage().Open(ctx, StoreAsset)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.Put(ctx, fmt.Sprintf("/s%d", i), okResponse("x")))
	}

	tasks := newTaskRunner(4, time.Second)
	defer tasks.Close()
	x := newExpirer(ExpirationPolicy{MaxEntries: 1}, tasks)

	sw, err := newSweeper("@every 1s", x, st)
	require.NoError(t, err)
	sw.start()
	defer sw.stop()

	require.Eventually(t, func() bool {
		n, _ := st.Len(ctx)
		return n == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSweeper_RejectsBadSchedule(t *testing.T) {
	_, err := newSweeper("every now and then", newExpirer(ExpirationPolicy{}, nil))
	assert.Error(t, err)
}

func TestTaskRunner_DropsWhenSaturated(t *testing.T) {
	tasks := newTaskRunner(1, time.Second)
	defer tasks.Close()

	block := make(chan struct{})
	require.True(t, tasks.Go("first", func(ctx context.Context) { <-block }))
	assert.False(t, tasks.Go("second", func(ctx context.Context) {}))

	close(block)
	tasks.Wait()
	assert.True(t, tasks.Go("third", func(ctx context.Context) {}))
	tasks.Wait()
}

func TestTaskRunner_RecoversPanicsAndRefusesAfterClose(t *testing.T) {
	tasks := newTaskRunner(2, time.Second)
	require.True(t, tasks.Go("boom", func(ctx context.Context) { panic("boom") }))
	tasks.Wait()

	tasks.Close()
	assert.False(t, tasks.Go("late", func(ctx context.Context) {}))
}

func TestTaskRunner_GoRacingClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		tasks := newTaskRunner(64, time.Second)
		var started, finished atomic.Int32

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 16; j++ {
					if tasks.Go("racer", func(ctx context.Context) { finished.Add(1) }) {
						started.Add(1)
					}
				}
			}()
		}
		tasks.Close()
		// Every accepted task has returned once Close does.
		assert.LessOrEqual(t, started.Load(), finished.Load())
		wg.Wait()
		assert.False(t, tasks.Go("late", func(ctx context.Context) {}))
		tasks.Wait()
		assert.Equal(t, started.Load(), finished.Load())
	}
}
