package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	controlPrefix   = "/__gateway/"
	maxPushBytes    = 64 << 10
	maxRequestBytes = 10 << 20
)

// Gateway wires the stores, strategies and notification handling to the
// host lifecycle events.
type Gateway struct {
	cfg Config

	storage  CacheStorage
	net      Fetcher
	tasks    *taskRunner
	worker   *Worker
	precache *PrecacheLoader
	push     *PushHandler
	platform Platform
	hub      *WindowHub
	stats    *statsCollector
	identity identityHeaders

	mu      sync.RWMutex
	engine  *Engine
	sweeper *sweeper
	inbox   *pushInbox

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a gateway on the configured storage backend, forwarding to the
// configured origin.
func New(cfg Config) (*Gateway, error) {
	storage, err := OpenStorage(cfg)
	if err != nil {
		return nil, err
	}
	var platform Platform
	if !cfg.Hub.Enabled {
		platform = NewMemoryPlatform()
	}
	return NewWithDeps(cfg, storage, newOriginFetcher(cfg.Server.Origin), platform), nil
}

// NewWithDeps builds a gateway on explicit collaborators. A nil platform
// selects the websocket window hub.
func NewWithDeps(cfg Config, storage CacheStorage, net Fetcher, platform Platform) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		storage:  storage,
		net:      net,
		tasks:    newTaskRunner(32, 30*time.Second),
		identity: newIdentityHeaders(cfg.Identity.Headers),
		stopCh:   make(chan struct{}),
	}
	if platform == nil {
		g.hub = NewWindowHub(cfg.Identity.Headers, cfg.Hub.AllowedOrigins)
		g.hub.onMessage = g.onWindowMessage
		platform = g.hub
	}
	g.platform = platform
	if cfg.Logging.statsEveryDur > 0 {
		g.stats = newStatsCollector()
	}

	g.worker = NewWorker(g.tasks)
	g.precache = NewPrecacheLoader(storage, net, cfg)
	g.push = NewPushHandler(platform, pushDefaultsFromConfig(cfg))

	g.worker.On(EventInstall, g.onInstall)
	g.worker.On(EventActivate, g.onActivate)
	g.worker.On(EventFetch, g.onFetch)
	g.worker.On(EventPush, g.onPush)
	g.worker.On(EventNotificationClick, g.onNotificationClick)
	return g
}

func (g *Gateway) storeName(base string) string {
	if v := strings.TrimSpace(g.cfg.Storage.Version); v != "" {
		return base + "-" + v
	}
	return base
}

// Start runs install and activate, then the background loops. A failed
// install is logged and the gateway activates without a new precache.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.worker.Dispatch(ctx, &Event{Type: EventInstall}); err != nil {
		log.Printf("install: %v", err)
	}
	if err := g.worker.Dispatch(ctx, &Event{Type: EventActivate}); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	g.mu.RLock()
	sw := g.sweeper
	g.mu.RUnlock()
	if sw != nil {
		sw.start()
	}

	if g.cfg.Push.NSQ.Topic != "" {
		// Queued pushes carry no client headers; the payload names the audience.
		in, err := newPushInbox(g.cfg, func(ctx context.Context, payload []byte) {
			g.DispatchPush(ctx, "", payload)
		})
		if err != nil {
			return err
		}
		if err := in.connect(g.cfg.Push.NSQ.Nsqd, g.cfg.Push.NSQ.Lookupd); err != nil {
			in.stop()
			return fmt.Errorf("nsq connect: %w", err)
		}
		g.mu.Lock()
		g.inbox = in
		g.mu.Unlock()
	}

	if g.stats != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.statsLoop(g.cfg.Logging.statsEveryDur)
		}()
	}
	return nil
}

func (g *Gateway) Close() {
	close(g.stopCh)
	g.mu.RLock()
	sw, in := g.sweeper, g.inbox
	g.mu.RUnlock()
	if in != nil {
		in.stop()
	}
	if sw != nil {
		sw.stop()
	}
	g.wg.Wait()
	g.tasks.Close()
	if err := g.storage.Close(); err != nil {
		log.Printf("storage close: %v", err)
	}
}

func (g *Gateway) onInstall(ctx context.Context, _ *Event) error {
	return g.precache.Install(ctx)
}

// onActivate drops stores left behind by an older version, retires stale
// precaches and opens the runtime stores.
func (g *Gateway) onActivate(ctx context.Context, _ *Event) error {
	apiName, assetName, pageName := g.storeName(StoreAPI), g.storeName(StoreAsset), g.storeName(StorePage)
	keep := map[string]bool{apiName: true, assetName: true, pageName: true}

	names, err := g.storage.Names(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if keep[name] || isPrecacheName(name) {
			continue
		}
		if _, err := g.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		log.Printf("activate: deleted old store %s", name)
	}

	if _, err := g.precache.Activate(ctx); err != nil {
		return err
	}

	api, err := g.storage.Open(ctx, apiName)
	if err != nil {
		return err
	}
	asset, err := g.storage.Open(ctx, assetName)
	if err != nil {
		return err
	}
	page, err := g.storage.Open(ctx, pageName)
	if err != nil {
		return err
	}

	e := NewEngine(EngineOptions{
		Matcher:         NewRouteMatcher(g.cfg.Routes.APIPrefix),
		Network:         g.net,
		API:             api,
		Asset:           asset,
		Page:            page,
		Policy:          g.cfg.Policy(),
		APITimeout:      g.cfg.Routes.apiTimeoutDur,
		MaxBodyBytes:    g.cfg.Storage.maxBodyBytes,
		IgnoreParams:    g.cfg.Storage.IgnoreQueryParams,
		IdentityHeaders: g.cfg.Identity.Headers,
	}, g.tasks)
	e.precache = g.precache
	e.stats = g.stats

	var sw *sweeper
	if g.cfg.Expiration.Sweep != "off" {
		sw, err = newSweeper(g.cfg.Expiration.Sweep, e.expirer, asset)
		if err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.engine = e
	g.sweeper = sw
	g.mu.Unlock()
	return nil
}

func (g *Gateway) onFetch(ctx context.Context, ev *Event) error {
	g.mu.RLock()
	e := g.engine
	g.mu.RUnlock()
	if e == nil {
		// Not activated yet: requests go straight to the network.
		return nil
	}
	ev.RespondWith(e.Serve(ctx, ev.Request))
	return nil
}

func (g *Gateway) onPush(ctx context.Context, ev *Event) error {
	_, err := g.push.OnPush(ctx, ev.Audience, ev.Data)
	return err
}

func (g *Gateway) onNotificationClick(ctx context.Context, ev *Event) error {
	_, err := g.push.OnClick(ctx, ev.Notification)
	return err
}

func (g *Gateway) onWindowMessage(ctx context.Context, audience string, msg hubMessage) {
	n, ok := g.push.Notification(msg.ID)
	if !ok || n.Audience != audience {
		return
	}
	switch msg.Type {
	case "click":
		g.dispatchClick(ctx, n)
	case "dismiss":
		g.push.OnDismiss(n)
	}
}

// Fetch dispatches a fetch event and returns the settled result. Requests no
// listener answered are sent to the network unchanged.
func (g *Gateway) Fetch(ctx context.Context, req Request) (Result, error) {
	ev := &Event{Type: EventFetch, Request: req}
	if err := g.worker.Dispatch(ctx, ev); err != nil {
		log.Printf("fetch %s: %v", req.URL, err)
	}
	if res, ok, err := ev.Response(); ok {
		return res, err
	}
	ent, err := g.net.Fetch(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: ent, Source: SourceBypass}, nil
}

// DispatchPush delivers one push payload to audience, unless the payload
// names its own. Errors are logged and dropped.
func (g *Gateway) DispatchPush(ctx context.Context, audience string, payload []byte) {
	if err := g.worker.Dispatch(ctx, &Event{Type: EventPush, Audience: audience, Data: payload}); err != nil {
		log.Printf("push: dropped: %v", err)
	}
}

func (g *Gateway) dispatchClick(ctx context.Context, n Notification) {
	if err := g.worker.Dispatch(ctx, &Event{Type: EventNotificationClick, Notification: n}); err != nil {
		log.Printf("notificationclick %s: %v", n.ID, err)
	}
}

// ---- HTTP ----

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+controlPrefix+"healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("POST "+controlPrefix+"push", g.handlePush)
	mux.HandleFunc("POST "+controlPrefix+"notifications/{id}/click", g.handleClick)
	if g.hub != nil {
		mux.Handle("GET "+controlPrefix+"ws", g.hub)
	}
	mux.HandleFunc("/", g.handle)
	return mux
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, controlPrefix) {
		http.NotFound(w, r)
		return
	}

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body = b
	}
	req := Request{
		Method:      r.Method,
		URL:         r.URL.RequestURI(),
		Destination: destinationFromHTTP(r),
		Header:      r.Header.Clone(),
		Body:        body,
	}

	res, err := g.Fetch(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoResponseAvailable):
			setGatewayHeaders(w.Header(), "offline")
			http.Error(w, "no response available", http.StatusGatewayTimeout)
		default:
			setGatewayHeaders(w.Header(), "bad-gateway")
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}
		return
	}

	writeEntry(w, res.Response, string(res.Source))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	res.Finish()
}

func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxPushBytes))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	g.DispatchPush(r.Context(), g.identity.Of(r.Header), b)
	w.WriteHeader(http.StatusAccepted)
}

func (g *Gateway) handleClick(w http.ResponseWriter, r *http.Request) {
	n, ok := g.push.Notification(r.PathValue("id"))
	if !ok || n.Audience != g.identity.Of(r.Header) {
		http.NotFound(w, r)
		return
	}
	g.dispatchClick(r.Context(), n)
	w.WriteHeader(http.StatusNoContent)
}

func writeEntry(w http.ResponseWriter, ent Response, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-gateway-cache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setGatewayHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setGatewayHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Gateway-Cache", source)
	}
	// Custom headers are not readable from JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, "X-Gateway-Cache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- stats ----

func (g *Gateway) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-t.C:
			ss := g.stats.Snapshot()
			log.Printf(
				"Cached: %s, precache=%d, Resp min/avg/max %s/%s/%s, %s",
				g.storeCounts(),
				g.precache.Len(),
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
				formatOutcomes(ss.Outcomes),
			)
		}
	}
}

func (g *Gateway) storeCounts() string {
	g.mu.RLock()
	e := g.engine
	g.mu.RUnlock()
	if e == nil {
		return "inactive"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	parts := make([]string, 0, 3)
	for _, st := range []Store{e.api, e.asset, e.page} {
		n, err := st.Len(ctx)
		if err != nil {
			parts = append(parts, st.Name()+"=?")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d", st.Name(), n))
	}
	return strings.Join(parts, " ")
}
