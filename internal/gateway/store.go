package gateway

import (
	"context"
	"net/url"
	"sort"
	"strings"
)

// Runtime store names. Each routing class that caches owns exactly one.
const (
	StoreAPI   = "api-cache"
	StoreAsset = "asset-cache"
	StorePage  = "page-cache"

	precachePrefix = "precache-"
)

// Store is a named key→Response mapping. Implementations are safe for
// concurrent use; concurrent puts to one key are last-write-wins.
type Store interface {
	Name() string
	// Match returns ErrStoreMiss when nothing is stored under key.
	Match(ctx context.Context, key string) (Response, error)
	Put(ctx context.Context, key string, resp Response) error
	Delete(ctx context.Context, key string) (bool, error)
	// Entries lists entry metadata, oldest insertion first.
	Entries(ctx context.Context) ([]EntryMeta, error)
	Len(ctx context.Context) (int, error)
}

// CacheStorage owns every named store of one backend.
type CacheStorage interface {
	// Open returns the named store, creating it when missing.
	Open(ctx context.Context, name string) (Store, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Close() error
}

// OpenStorage builds the backend selected by storage.backend.
func OpenStorage(cfg Config) (CacheStorage, error) {
	switch cfg.Storage.Backend {
	case backendMemory:
		return NewMemoryStorage(), nil
	case backendRedis:
		s, err := NewRedisStorage(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := OpenLevelDBStorage(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// keyNormalizer turns a request URI into a store key: volatile query params
// are dropped and the remaining ones sorted.
type keyNormalizer struct {
	exact  map[string]struct{}
	prefix []string
}

func newKeyNormalizer(ignore []string) keyNormalizer {
	n := keyNormalizer{exact: map[string]struct{}{}}
	for _, p := range ignore {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			n.prefix = append(n.prefix, strings.TrimSuffix(p, "*"))
			continue
		}
		n.exact[p] = struct{}{}
	}
	return n
}

func (n keyNormalizer) ignored(name string) bool {
	if _, ok := n.exact[name]; ok {
		return true
	}
	for _, p := range n.prefix {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (n keyNormalizer) Key(requestURI string) string {
	u, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return requestURI
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery == "" {
		return p
	}

	q := u.Query()
	names := make([]string, 0, len(q))
	for name := range q {
		if n.ignored(name) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return p
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		for _, v := range q[name] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return p + "?" + b.String()
}

func isPrecacheName(name string) bool { return strings.HasPrefix(name, precachePrefix) }
