package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// hubMessage is the JSON frame exchanged with application windows.
//
// Outbound types: notification, close, focus, navigate.
// Inbound types: click, dismiss.
type hubMessage struct {
	Type         string        `json:"type"`
	ID           string        `json:"id,omitempty"`
	Tag          string        `json:"tag,omitempty"`
	URL          string        `json:"url,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type hubClient struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *hubClient) Send(message []byte) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, message) == nil
}

type hubWindow struct {
	Window
	client *hubClient // nil while a launch is pending
}

// WindowHub is a Platform whose windows are application tabs connected over
// a websocket. Opening a window while none is connected registers a pending
// launch that the next connecting tab of the same audience adopts.
//
// A tab's audience is the identity of its handshake request.
type WindowHub struct {
	upgrader websocket.Upgrader
	identity identityHeaders
	origins  map[string]bool

	// onMessage receives click and dismiss frames from windows of audience.
	onMessage func(ctx context.Context, audience string, msg hubMessage)

	mu      sync.Mutex
	windows []*hubWindow
}

// NewWindowHub accepts handshakes from the request's own host and from
// allowedOrigins ("scheme://host[:port]").
func NewWindowHub(identity, allowedOrigins []string) *WindowHub {
	h := &WindowHub{
		identity: newIdentityHeaders(identity),
		origins:  map[string]bool{},
	}
	for _, o := range allowedOrigins {
		h.origins[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WindowHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Not a browser; browsers always send Origin on a websocket handshake.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return h.origins[strings.ToLower(u.Scheme+"://"+u.Host)]
}

func (h *WindowHub) broadcast(audience string, msg hubMessage) int {
	b, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.windows))
	for _, w := range h.windows {
		if w.client != nil && w.Audience == audience {
			clients = append(clients, w.client)
		}
	}
	h.mu.Unlock()

	sent := 0
	for _, c := range clients {
		if c.Send(b) {
			sent++
		}
	}
	return sent
}

func (h *WindowHub) ShowNotification(_ context.Context, n Notification) error {
	if h.broadcast(n.Audience, hubMessage{Type: "notification", Notification: &n}) == 0 {
		return fmt.Errorf("notification %s: %w", n.ID, ErrNoWindow)
	}
	return nil
}

func (h *WindowHub) CloseNotifications(_ context.Context, audience, tag string) error {
	h.broadcast(audience, hubMessage{Type: "close", Tag: tag})
	return nil
}

func (h *WindowHub) Windows(_ context.Context, audience string) ([]Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Window, 0, len(h.windows))
	for _, w := range h.windows {
		if w.Audience == audience {
			out = append(out, w.Window)
		}
	}
	return out, nil
}

func (h *WindowHub) Focus(_ context.Context, id string) error {
	h.mu.Lock()
	var target *hubWindow
	for _, w := range h.windows {
		if w.ID == id {
			target = w
		}
	}
	if target == nil {
		h.mu.Unlock()
		return fmt.Errorf("focus: unknown window %s", id)
	}
	for _, w := range h.windows {
		if w.Audience == target.Audience {
			w.Focused = w == target
		}
	}
	h.mu.Unlock()
	if target.client != nil {
		b, _ := json.Marshal(hubMessage{Type: "focus", ID: id})
		target.client.Send(b)
	}
	return nil
}

func (h *WindowHub) OpenWindow(_ context.Context, audience, page string) (Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.windows {
		if w.Audience == audience {
			w.Focused = false
		}
	}
	w := &hubWindow{Window: Window{ID: uuid.NewString(), URL: page, Focused: true, Audience: audience}}
	h.windows = append(h.windows, w)
	log.Printf("hub: launch pending for %s (window %s)", page, w.ID)
	return w.Window, nil
}

// attach registers a connected tab, adopting the oldest pending launch of
// its audience.
func (h *WindowHub) attach(c *hubClient, audience, page string) (*hubWindow, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.windows {
		if w.client == nil && w.Audience == audience {
			w.client = c
			return w, true
		}
	}
	w := &hubWindow{Window: Window{ID: uuid.NewString(), URL: page, Audience: audience}, client: c}
	h.windows = append(h.windows, w)
	return w, false
}

func (h *WindowHub) detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, w := range h.windows {
		if w.ID == id {
			h.windows = append(h.windows[:i], h.windows[i+1:]...)
			return
		}
	}
}

// ServeHTTP upgrades a window's connection and reads its frames until it
// goes away.
func (h *WindowHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("hub: websocket upgrade error:", err)
		return
	}
	client := &hubClient{conn: conn}

	page := r.URL.Query().Get("url")
	if page == "" {
		page = "/"
	}
	win, adopted := h.attach(client, h.identity.Of(r.Header), page)
	if adopted {
		b, _ := json.Marshal(hubMessage{Type: "navigate", ID: win.ID, URL: win.URL})
		client.Send(b)
		if win.Focused {
			b, _ = json.Marshal(hubMessage{Type: "focus", ID: win.ID})
			client.Send(b)
		}
	}

	pingTicker := time.NewTicker(30 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				client.wmu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
				client.wmu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	defer func() {
		close(done)
		pingTicker.Stop()
		h.detach(win.ID)
		_ = conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var msg hubMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if h.onMessage != nil {
			h.onMessage(r.Context(), win.Audience, msg)
		}
	}
}
