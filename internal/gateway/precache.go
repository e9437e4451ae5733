package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PrecacheLoader seeds a version-keyed store from the build manifest at
// install and retires older versions at activate. Precache stores are never
// subject to an ExpirationPolicy.
type PrecacheLoader struct {
	storage     CacheStorage
	net         Fetcher
	keys        keyNormalizer
	source      string
	origin      string
	concurrency int

	mu       sync.RWMutex
	manifest Manifest
	pending  Store
	active   Store
	index    map[string]struct{}
}

func NewPrecacheLoader(storage CacheStorage, net Fetcher, cfg Config) *PrecacheLoader {
	return &PrecacheLoader{
		storage:     storage,
		net:         net,
		keys:        newKeyNormalizer(cfg.Storage.IgnoreQueryParams),
		source:      cfg.Precache.Manifest,
		origin:      cfg.Server.Origin,
		concurrency: cfg.Precache.Concurrency,
	}
}

func precacheStoreName(version string) string { return precachePrefix + version }

// Install loads the manifest and fetches every entry missing from the
// current version's store. Any failed entry fails the whole install.
func (p *PrecacheLoader) Install(ctx context.Context) error {
	if p.source == "" {
		return nil
	}
	m, err := loadManifest(ctx, p.source, p.origin, p.net)
	if err != nil {
		return err
	}
	name := precacheStoreName(m.Version)
	existed, err := p.storage.Has(ctx, name)
	if err != nil {
		return err
	}
	st, err := p.storage.Open(ctx, name)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	var fetched int
	var mu sync.Mutex
	for _, e := range m.Entries {
		e := e
		g.Go(func() error {
			did, err := p.ensure(gctx, st, e)
			if err != nil {
				return fmt.Errorf("precache %s: %w", e.URL, err)
			}
			if did {
				mu.Lock()
				fetched++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if !existed {
			// A half-filled new version must not be adopted later.
			if _, derr := p.storage.Delete(ctx, name); derr != nil {
				log.Printf("precache: delete failed install %s: %v", name, derr)
			}
		}
		return err
	}
	log.Printf("precache: version=%s entries=%d fetched=%d", m.Version, len(m.Entries), fetched)

	p.mu.Lock()
	p.manifest = m
	p.pending = st
	p.mu.Unlock()
	return nil
}

func (p *PrecacheLoader) ensure(ctx context.Context, st Store, e ManifestEntry) (bool, error) {
	key := p.keys.Key(e.URL)
	_, err := st.Match(ctx, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrStoreMiss) {
		return false, err
	}

	resp, err := p.net.Fetch(ctx, Request{Method: "GET", URL: e.URL, Destination: DestOther})
	if err != nil {
		return false, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return false, fmt.Errorf("unexpected status %d", resp.Status)
	}
	if err := verifyIntegrity(e.Integrity, resp.Body); err != nil {
		return false, err
	}
	return true, st.Put(ctx, key, resp)
}

// Activate makes the installed version live and deletes every other
// precache store. It returns the name of the live store, "" when no manifest
// is configured.
func (p *PrecacheLoader) Activate(ctx context.Context) (string, error) {
	p.mu.Lock()
	st := p.pending
	m := p.manifest
	p.mu.Unlock()

	if st == nil && p.source != "" {
		// Install failed; old versions stay until one succeeds.
		return p.readopt(ctx)
	}
	keep := ""
	if st != nil {
		keep = st.Name()
	}
	names, err := p.storage.Names(ctx)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if !isPrecacheName(name) || name == keep {
			continue
		}
		if _, err := p.storage.Delete(ctx, name); err != nil {
			return "", fmt.Errorf("delete %s: %w", name, err)
		}
		log.Printf("precache: deleted stale store %s", name)
	}

	idx := make(map[string]struct{}, len(m.Entries))
	for _, e := range m.Entries {
		idx[p.keys.Key(e.URL)] = struct{}{}
	}
	p.mu.Lock()
	p.active = st
	p.index = idx
	p.mu.Unlock()
	return keep, nil
}

// readopt keeps serving the last good version after a failed install. That is
// the precache store written most recently; its entries become the index.
func (p *PrecacheLoader) readopt(ctx context.Context) (string, error) {
	names, err := p.storage.Names(ctx)
	if err != nil {
		return "", err
	}
	var (
		best    Store
		bestIdx map[string]struct{}
		bestSeq uint64
	)
	for _, name := range names {
		if !isPrecacheName(name) {
			continue
		}
		st, err := p.storage.Open(ctx, name)
		if err != nil {
			return "", err
		}
		entries, err := st.Entries(ctx)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			continue
		}
		idx := make(map[string]struct{}, len(entries))
		var last uint64
		for _, e := range entries {
			idx[e.Key] = struct{}{}
			if e.Seq > last {
				last = e.Seq
			}
		}
		if best == nil || last > bestSeq {
			best, bestIdx, bestSeq = st, idx, last
		}
	}
	if best == nil {
		log.Printf("precache: nothing installed and no previous version")
		return "", nil
	}
	log.Printf("precache: nothing installed, serving previous version %s", best.Name())

	p.mu.Lock()
	p.active = best
	p.index = bestIdx
	p.mu.Unlock()
	return best.Name(), nil
}

// Lookup serves a precached entry for key, if key is in the live manifest.
func (p *PrecacheLoader) Lookup(ctx context.Context, key string) (Response, bool) {
	p.mu.RLock()
	st := p.active
	_, listed := p.index[key]
	p.mu.RUnlock()
	if st == nil || !listed {
		return Response{}, false
	}
	ent, err := st.Match(ctx, key)
	if err != nil {
		return Response{}, false
	}
	return ent, true
}

func (p *PrecacheLoader) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.index)
}
