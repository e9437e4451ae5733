package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Source tells where a served response came from. It is sent to clients in
// the X-Gateway-Cache header.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceStale    Source = "stale"
	SourcePrecache Source = "precache"
	SourceBypass   Source = "bypass"
)

// Result is a served response plus work that must only start once the
// response has been delivered.
type Result struct {
	Response Response
	Source   Source
	Class    RouteClass

	after func()
}

// Finish starts the deferred work, if any. Call it after the response has
// been handed to the client.
func (r Result) Finish() {
	if r.after != nil {
		r.after()
	}
}

type precacheIndex interface {
	Lookup(ctx context.Context, key string) (Response, bool)
}

type EngineOptions struct {
	Matcher      RouteMatcher
	Network      Fetcher
	API          Store
	Asset        Store
	Page         Store
	Policy       ExpirationPolicy
	APITimeout   time.Duration
	MaxBodyBytes int64
	IgnoreParams []string

	// IdentityHeaders partition runtime store keys per client. Empty shares
	// entries between every client.
	IdentityHeaders []string
}

// Engine executes the caching strategy of each routing class.
type Engine struct {
	matcher  RouteMatcher
	keys     keyNormalizer
	identity identityHeaders
	net      Fetcher

	api   Store
	asset Store
	page  Store

	policy       ExpirationPolicy
	expirer      *expirer
	apiTimeout   time.Duration
	maxBodyBytes int64

	precache precacheIndex
	tasks    *taskRunner
	stats    *statsCollector
	revalLog *rateLimitedLogger
}

func NewEngine(opts EngineOptions, tasks *taskRunner) *Engine {
	timeout := opts.APITimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Engine{
		matcher:      opts.Matcher,
		keys:         newKeyNormalizer(opts.IgnoreParams),
		identity:     newIdentityHeaders(opts.IdentityHeaders),
		net:          opts.Network,
		api:          opts.API,
		asset:        opts.Asset,
		page:         opts.Page,
		policy:       opts.Policy,
		expirer:      newExpirer(opts.Policy, tasks),
		apiTimeout:   timeout,
		maxBodyBytes: opts.MaxBodyBytes,
		tasks:        tasks,
		revalLog:     newRateLimitedLogger(time.Minute),
	}
}

// Handle serves req and starts any deferred revalidation right away.
func (e *Engine) Handle(ctx context.Context, req Request) (Response, error) {
	res, err := e.Serve(ctx, req)
	if err != nil {
		return Response{}, err
	}
	res.Finish()
	return res.Response, nil
}

// Serve runs the strategy of the request's routing class. Deferred work is
// returned in the Result instead of being started.
func (e *Engine) Serve(ctx context.Context, req Request) (Result, error) {
	class := e.matcher.Classify(req)
	key := e.keys.Key(req.URL)

	// Precached entries win for every GET, whatever its class. They are build
	// output shared by every client.
	if isGet(req) && e.precache != nil {
		if ent, ok := e.precache.Lookup(ctx, key); ok {
			return e.done(class, SourcePrecache, ent), nil
		}
	}
	key = partitionKey(key, e.identity.Of(req.Header))

	switch class {
	case RouteAPI:
		return e.networkFirst(ctx, req, key)
	case RouteStaticAsset:
		return e.cacheFirst(ctx, req, key)
	case RouteDocument:
		return e.staleWhileRevalidate(ctx, req, key)
	default:
		return e.passThrough(ctx, req)
	}
}

func (e *Engine) done(class RouteClass, src Source, ent Response) Result {
	e.stats.Observe(class, src, len(ent.Body))
	return Result{Response: ent, Source: src, Class: class}
}

func (e *Engine) networkFirst(ctx context.Context, req Request, key string) (Result, error) {
	type fetched struct {
		ent Response
		err error
	}
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan fetched, 1)
	go func() {
		ent, err := e.fetch(fctx, req)
		ch <- fetched{ent, err}
	}()

	timer := time.NewTimer(e.apiTimeout)
	defer timer.Stop()

	var netErr error
	select {
	case f := <-ch:
		if f.err == nil {
			e.put(ctx, e.api, key, f.ent)
			return e.done(RouteAPI, SourceNetwork, f.ent), nil
		}
		netErr = f.err
	case <-timer.C:
		// The fetch keeps running until cancel; whatever it returns is dropped.
		netErr = fmt.Errorf("%w: timed out after %s", ErrNetworkFailure, e.apiTimeout)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	if ent, ok := e.match(ctx, e.api, key); ok {
		return e.done(RouteAPI, SourceCache, ent), nil
	}
	e.stats.Fail(RouteAPI)
	return Result{}, fmt.Errorf("%w: %s: %v", ErrNoResponseAvailable, key, netErr)
}

func (e *Engine) cacheFirst(ctx context.Context, req Request, key string) (Result, error) {
	// An entry past MaxAge is a miss; the put below replaces it.
	if ent, ok := e.match(ctx, e.asset, key); ok && !e.policy.Expired(ent.StoredAt) {
		return e.done(RouteStaticAsset, SourceCache, ent), nil
	}

	ent, err := e.fetch(ctx, req)
	if err != nil {
		e.stats.Fail(RouteStaticAsset)
		return Result{}, fmt.Errorf("%w: %s: %v", ErrNoResponseAvailable, key, err)
	}
	if e.put(ctx, e.asset, key, ent) {
		e.expirer.afterWrite(e.asset)
	}
	return e.done(RouteStaticAsset, SourceNetwork, ent), nil
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req Request, key string) (Result, error) {
	if ent, ok := e.match(ctx, e.page, key); ok {
		res := e.done(RouteDocument, SourceStale, ent)
		res.after = func() {
			e.tasks.Go("revalidate "+key, func(ctx context.Context) {
				e.revalidate(ctx, req, key, ent.Hash32)
			})
		}
		return res, nil
	}

	ent, err := e.fetch(ctx, req)
	if err != nil {
		e.stats.Fail(RouteDocument)
		return Result{}, fmt.Errorf("%w: %s: %v", ErrNoResponseAvailable, key, err)
	}
	e.put(ctx, e.page, key, ent)
	return e.done(RouteDocument, SourceNetwork, ent), nil
}

// revalidate refreshes a page entry for the next request. Failures are only
// logged: the caller already has its response. A failed attempt leaves the
// entry and its timestamp untouched.
func (e *Engine) revalidate(ctx context.Context, req Request, key string, servedHash uint32) {
	ent, err := e.fetch(ctx, req)
	if err != nil {
		e.revalLog.Printf("revalidate", "revalidate %s: %v", key, err)
		return
	}
	if !ent.cacheable() {
		e.revalLog.Printf("revalidate", "revalidate %s: not cacheable (status %d)", key, ent.Status)
		return
	}
	if ent.Hash32 == servedHash {
		return
	}
	e.put(ctx, e.page, key, ent)
}

func (e *Engine) passThrough(ctx context.Context, req Request) (Result, error) {
	ent, err := e.fetch(ctx, req)
	if err != nil {
		e.stats.Fail(RouteUnmatched)
		return Result{}, err
	}
	return e.done(RouteUnmatched, SourceBypass, ent), nil
}

func (e *Engine) fetch(ctx context.Context, req Request) (Response, error) {
	ent, err := e.net.Fetch(ctx, req)
	if err != nil && !errors.Is(err, ErrNetworkFailure) {
		err = fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	return ent, err
}

// match treats store errors as misses so a broken store degrades to network.
func (e *Engine) match(ctx context.Context, st Store, key string) (Response, bool) {
	ent, err := st.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrStoreMiss) {
			log.Printf("store %s: match %s: %v", st.Name(), key, err)
		}
		return Response{}, false
	}
	return ent, true
}

// put stores ent when it is cacheable and reports whether it did.
func (e *Engine) put(ctx context.Context, st Store, key string, ent Response) bool {
	if !ent.cacheable() {
		return false
	}
	if e.maxBodyBytes > 0 && int64(len(ent.Body)) > e.maxBodyBytes {
		return false
	}
	if ent.Header == nil {
		ent.Header = http.Header{}
	}
	if err := st.Put(ctx, key, ent); err != nil {
		log.Printf("store %s: put %s: %v", st.Name(), key, err)
		return false
	}
	return true
}
