package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

type NotificationState string

const (
	StateReceived     NotificationState = "received"
	StateParsed       NotificationState = "parsed"
	StateDisplayed    NotificationState = "displayed"
	StateClicked      NotificationState = "clicked"
	StateWindowOpened NotificationState = "window-opened"
	StateDismissed    NotificationState = "dismissed"
)

// Notification is derived from one push payload.
type Notification struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Icon      string            `json:"icon"`
	Badge     string            `json:"badge"`
	Tag       string            `json:"tag"`
	Data      json.RawMessage   `json:"data,omitempty"`
	State     NotificationState `json:"state"`
	CreatedAt time.Time         `json:"createdAt"`
	// Audience is the identity of the client the notification is for. Empty
	// addresses anonymous clients only.
	Audience string `json:"-"`
}

// PushPayload is the JSON document carried by a push message. Every field is
// optional.
type PushPayload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Tag   string          `json:"tag"`
	Data  json.RawMessage `json:"data"`
	// Audience overrides the identity the push was delivered with.
	Audience string `json:"audience"`
}

func parsePushPayload(data []byte) (PushPayload, error) {
	var p PushPayload
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return p, fmt.Errorf("%w: empty", ErrMalformedPushPayload)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return PushPayload{}, fmt.Errorf("%w: %v", ErrMalformedPushPayload, err)
	}
	return p, nil
}

type pushDefaults struct {
	Title    string
	Body     string
	Icon     string
	Badge    string
	Tag      string
	StartURL string
}

func pushDefaultsFromConfig(cfg Config) pushDefaults {
	return pushDefaults{
		Title:    cfg.Push.DefaultTitle,
		Body:     cfg.Push.DefaultBody,
		Icon:     cfg.Push.Icon,
		Badge:    cfg.Push.Badge,
		Tag:      cfg.Push.Tag,
		StartURL: cfg.Push.StartURL,
	}
}

// PushHandler displays push payloads and reacts to clicks on them. Delivery
// is fire-and-forget: there is no retry and no acknowledgement.
type PushHandler struct {
	platform Platform
	defaults pushDefaults

	mu        sync.Mutex
	displayed map[string]Notification
}

func NewPushHandler(platform Platform, defaults pushDefaults) *PushHandler {
	return &PushHandler{platform: platform, defaults: defaults, displayed: map[string]Notification{}}
}

// OnPush parses data and shows the resulting notification to audience. A
// malformed or missing payload falls back to the default title and body.
func (h *PushHandler) OnPush(ctx context.Context, audience string, data []byte) (Notification, error) {
	n := Notification{ID: uuid.NewString(), State: StateReceived, CreatedAt: now()}

	p, err := parsePushPayload(data)
	if err != nil {
		log.Printf("push: %v, using defaults", err)
	}
	n.Title = defaultString(p.Title, h.defaults.Title)
	n.Body = defaultString(p.Body, h.defaults.Body)
	n.Tag = defaultString(p.Tag, h.defaults.Tag)
	n.Icon = h.defaults.Icon
	n.Badge = h.defaults.Badge
	n.Data = p.Data
	n.Audience = defaultString(p.Audience, audience)
	n.State = StateParsed

	if err := h.platform.ShowNotification(ctx, n); err != nil {
		return n, fmt.Errorf("show notification: %w", err)
	}
	n.State = StateDisplayed

	h.mu.Lock()
	for id, cur := range h.displayed {
		if cur.Audience == n.Audience && cur.Tag == n.Tag {
			delete(h.displayed, id)
		}
	}
	h.displayed[n.ID] = n
	h.mu.Unlock()
	return n, nil
}

// Notification returns a displayed notification by id.
func (h *PushHandler) Notification(id string) (Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.displayed[id]
	return n, ok
}

// OnClick closes the notification, then makes sure exactly one window of its
// audience is focused on the start URL: an open window already showing it, or
// a new one.
func (h *PushHandler) OnClick(ctx context.Context, n Notification) (Notification, error) {
	h.forget(n.ID)
	n.State = StateClicked

	// The window is only touched once the close has returned, otherwise the
	// platform may dismiss the click along with the notification.
	if err := h.platform.CloseNotifications(ctx, n.Audience, n.Tag); err != nil {
		return n, fmt.Errorf("close notification: %w", err)
	}

	wins, err := h.platform.Windows(ctx, n.Audience)
	if err != nil {
		return n, fmt.Errorf("list windows: %w", err)
	}
	if w, ok := windowAt(wins, h.defaults.StartURL); ok {
		if err := h.platform.Focus(ctx, w.ID); err != nil {
			return n, fmt.Errorf("focus window: %w", err)
		}
	} else if _, err := h.platform.OpenWindow(ctx, n.Audience, h.defaults.StartURL); err != nil {
		return n, fmt.Errorf("open window: %w", err)
	}
	n.State = StateWindowOpened
	return n, nil
}

// windowAt returns the first window whose URL path equals the path of target.
// Query and fragment are ignored.
func windowAt(wins []Window, target string) (Window, bool) {
	want := urlPath(target)
	for _, w := range wins {
		if urlPath(w.URL) == want {
			return w, true
		}
	}
	return Window{}, false
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// OnDismiss records that the user closed the notification without clicking.
func (h *PushHandler) OnDismiss(n Notification) Notification {
	h.forget(n.ID)
	n.State = StateDismissed
	return n
}

func (h *PushHandler) forget(id string) {
	h.mu.Lock()
	delete(h.displayed, id)
	h.mu.Unlock()
}
