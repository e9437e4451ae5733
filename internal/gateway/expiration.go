package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// now is swapped in tests to move entries past their max age.
var now = time.Now

// ExpirationPolicy bounds a store by entry count and entry age. Zero fields
// disable the corresponding bound.
type ExpirationPolicy struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Expired reports whether an entry captured at storedAt is past MaxAge.
func (p ExpirationPolicy) Expired(storedAt int64) bool {
	if p.MaxAge <= 0 {
		return false
	}
	return now().Sub(time.Unix(storedAt, 0)) > p.MaxAge
}

// Enforce evicts entries older than MaxAge, then the oldest insertions until
// at most MaxEntries remain. Eviction follows insertion order only; reads
// never protect an entry.
func (p ExpirationPolicy) Enforce(ctx context.Context, st Store) (int, error) {
	entries, err := st.Entries(ctx)
	if err != nil {
		return 0, err
	}

	evicted := 0
	kept := entries[:0]
	for _, e := range entries {
		if p.Expired(e.StoredAt) {
			if _, err := st.Delete(ctx, e.Key); err != nil {
				return evicted, err
			}
			evicted++
			continue
		}
		kept = append(kept, e)
	}

	if p.MaxEntries > 0 {
		for i := 0; len(kept)-i > p.MaxEntries; i++ {
			if _, err := st.Delete(ctx, kept[i].Key); err != nil {
				return evicted, err
			}
			evicted++
		}
	}
	return evicted, nil
}

// expirer serialises enforcement per store and runs it off the request path.
type expirer struct {
	policy ExpirationPolicy
	tasks  *taskRunner

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newExpirer(policy ExpirationPolicy, tasks *taskRunner) *expirer {
	return &expirer{policy: policy, tasks: tasks, locks: map[string]*sync.Mutex{}}
}

func (x *expirer) lockFor(name string) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.locks[name]
	if !ok {
		l = &sync.Mutex{}
		x.locks[name] = l
	}
	return l
}

func (x *expirer) enforce(ctx context.Context, st Store) {
	l := x.lockFor(st.Name())
	l.Lock()
	defer l.Unlock()
	n, err := x.policy.Enforce(ctx, st)
	if err != nil {
		log.Printf("expiration: %s: %v", st.Name(), err)
		return
	}
	if n > 0 {
		log.Printf("expiration: %s: evicted %d", st.Name(), n)
	}
}

// afterWrite schedules enforcement. A saturated runner drops the task; the
// next write to the store schedules it again.
func (x *expirer) afterWrite(st Store) {
	x.tasks.Go("expire "+st.Name(), func(ctx context.Context) {
		x.enforce(ctx, st)
	})
}

// sweeper enforces the policy on a cron schedule so entries age out even
// when nothing is written.
type sweeper struct {
	cron *cron.Cron
}

func newSweeper(spec string, x *expirer, stores ...Store) (*sweeper, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, st := range stores {
			x.enforce(ctx, st)
		}
	})
	if err != nil {
		return nil, err
	}
	return &sweeper{cron: c}, nil
}

func (s *sweeper) start() { s.cron.Start() }

func (s *sweeper) stop() { <-s.cron.Stop().Done() }
