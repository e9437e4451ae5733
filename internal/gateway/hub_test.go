package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*WindowHub, string) {
	t.Helper()
	hub := NewWindowHub([]string{"Authorization", "Cookie"}, []string{"https://app.tagflow.test"})
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHub(t *testing.T, wsURL, page string) *websocket.Conn {
	t.Helper()
	return dialHubAs(t, wsURL, page, nil)
}

func dialHubAs(t *testing.T, wsURL, page string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/?url="+page, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) hubMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg hubMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitWindows(t *testing.T, hub *WindowHub, n int) []Window {
	t.Helper()
	return waitAudienceWindows(t, hub, "", n)
}

func waitAudienceWindows(t *testing.T, hub *WindowHub, audience string, n int) []Window {
	t.Helper()
	var wins []Window
	require.Eventually(t, func() bool {
		wins, _ = hub.Windows(context.Background(), audience)
		return len(wins) == n
	}, 2*time.Second, 10*time.Millisecond)
	return wins
}

func TestWindowHub_BroadcastsNotifications(t *testing.T) {
	hub, wsURL := startHub(t)
	a := dialHub(t, wsURL, "/pedidos")
	b := dialHub(t, wsURL, "/clientes")
	waitWindows(t, hub, 2)

	n := Notification{ID: "n1", Title: "Pedido", Body: "Novo pedido recebido", Tag: "tagflow"}
	require.NoError(t, hub.ShowNotification(context.Background(), n))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readFrame(t, conn)
		assert.Equal(t, "notification", msg.Type)
		require.NotNil(t, msg.Notification)
		assert.Equal(t, "Pedido", msg.Notification.Title)
	}

	require.NoError(t, hub.CloseNotifications(context.Background(), "", "tagflow"))
	msg := readFrame(t, a)
	assert.Equal(t, "close", msg.Type)
	assert.Equal(t, "tagflow", msg.Tag)
}

func TestWindowHub_PendingLaunchIsAdopted(t *testing.T) {
	hub, wsURL := startHub(t)

	w, err := hub.OpenWindow(context.Background(), "", "/")
	require.NoError(t, err)
	assert.True(t, w.Focused)
	wins := waitWindows(t, hub, 1)
	assert.Equal(t, w.ID, wins[0].ID)

	conn := dialHub(t, wsURL, "/login")
	nav := readFrame(t, conn)
	assert.Equal(t, "navigate", nav.Type)
	assert.Equal(t, w.ID, nav.ID)
	assert.Equal(t, "/", nav.URL)

	focus := readFrame(t, conn)
	assert.Equal(t, "focus", focus.Type)
	assert.Equal(t, w.ID, focus.ID)

	// The adopted window is not duplicated.
	waitWindows(t, hub, 1)
}

func TestWindowHub_FocusSendsFrame(t *testing.T) {
	hub, wsURL := startHub(t)
	conn := dialHub(t, wsURL, "/pedidos")
	wins := waitWindows(t, hub, 1)

	require.NoError(t, hub.Focus(context.Background(), wins[0].ID))
	msg := readFrame(t, conn)
	assert.Equal(t, "focus", msg.Type)

	assert.Error(t, hub.Focus(context.Background(), "unknown"))
	wins, _ = hub.Windows(context.Background(), "")
	assert.True(t, wins[0].Focused)
}

func TestWindowHub_InboundFramesAndDetach(t *testing.T) {
	hub, wsURL := startHub(t)

	var mu sync.Mutex
	var got []hubMessage
	hub.onMessage = func(ctx context.Context, audience string, msg hubMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}

	conn := dialHub(t, wsURL, "/")
	waitWindows(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(hubMessage{Type: "click", ID: "n1"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "click", got[0].Type)
	assert.Equal(t, "n1", got[0].ID)
	mu.Unlock()

	require.NoError(t, conn.Close())
	waitWindows(t, hub, 0)
}

func TestWindowHub_NoWindowFailsShow(t *testing.T) {
	hub, _ := startHub(t)
	err := hub.ShowNotification(context.Background(), Notification{ID: "n1", Title: "Pedido"})
	assert.ErrorIs(t, err, ErrNoWindow)

	// A pending launch cannot display anything either.
	_, err = hub.OpenWindow(context.Background(), "", "/")
	require.NoError(t, err)
	assert.ErrorIs(t, hub.ShowNotification(context.Background(), Notification{ID: "n2"}), ErrNoWindow)

	h := NewPushHandler(hub, testPushDefaults())
	n, err := h.OnPush(context.Background(), "", []byte(`{"title":"Pedido"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoWindow))
	assert.Equal(t, StateParsed, n.State, "an undelivered notification is never displayed")
	_, ok := h.Notification(n.ID)
	assert.False(t, ok)
}

func TestWindowHub_ScopesWindowsByIdentity(t *testing.T) {
	hub, wsURL := startHub(t)
	ident := newIdentityHeaders([]string{"Authorization", "Cookie"})
	hdrA := http.Header{"Cookie": {"session=tenant-a"}}
	hdrB := http.Header{"Cookie": {"session=tenant-b"}}
	audA, audB := ident.Of(hdrA), ident.Of(hdrB)
	require.NotEqual(t, audA, audB)

	a := dialHubAs(t, wsURL, "/pedidos", hdrA)
	b := dialHubAs(t, wsURL, "/pedidos", hdrB)
	waitAudienceWindows(t, hub, audA, 1)
	waitAudienceWindows(t, hub, audB, 1)
	waitWindows(t, hub, 0)

	require.NoError(t, hub.ShowNotification(context.Background(), Notification{ID: "n1", Title: "only A", Audience: audA}))
	msg := readFrame(t, a)
	assert.Equal(t, "notification", msg.Type)
	assert.Equal(t, "only A", msg.Notification.Title)

	// B sees the next frame meant for it, never A's notification.
	require.NoError(t, hub.CloseNotifications(context.Background(), audB, "tagflow"))
	msg = readFrame(t, b)
	assert.Equal(t, "close", msg.Type)

	// A pending launch for B is not adopted by a tab of A.
	w, err := hub.OpenWindow(context.Background(), audB, "/")
	require.NoError(t, err)
	dialHubAs(t, wsURL, "/clientes", hdrA)
	winsA := waitAudienceWindows(t, hub, audA, 2)
	for _, win := range winsA {
		assert.NotEqual(t, w.ID, win.ID)
	}
}

func TestWindowHub_InboundFramesCarryAudience(t *testing.T) {
	hub, wsURL := startHub(t)
	var got atomic.Value
	hub.onMessage = func(ctx context.Context, audience string, msg hubMessage) {
		got.Store(audience)
	}

	hdr := http.Header{"Authorization": {"Bearer tenant-a"}}
	conn := dialHubAs(t, wsURL, "/", hdr)
	require.NoError(t, conn.WriteJSON(hubMessage{Type: "click", ID: "n1"}))
	require.Eventually(t, func() bool { return got.Load() != nil }, 2*time.Second, 10*time.Millisecond)

	want := newIdentityHeaders([]string{"Authorization", "Cookie"}).Of(hdr)
	assert.Equal(t, want, got.Load())
}

func TestWindowHub_CheckOrigin(t *testing.T) {
	_, wsURL := startHub(t)

	for _, origin := range []string{"https://app.tagflow.test", "HTTPS://APP.TAGFLOW.TEST/"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/?url=/", http.Header{"Origin": {origin}})
		require.NoError(t, err, origin)
		_ = conn.Close()
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/?url=/", http.Header{"Origin": {"https://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The page the hub is served from is always allowed.
	host := strings.TrimPrefix(wsURL, "ws://")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/?url=/", http.Header{"Origin": {"http://" + host}})
	require.NoError(t, err)
	_ = conn.Close()
}
