package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Window is an application window known to the platform. Audience is the
// identity of the client that owns it.
type Window struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Focused  bool   `json:"focused"`
	Audience string `json:"-"`
}

// Platform is the host notification service. The gateway calls these
// primitives; it does not implement notification display itself.
//
// Notifications and windows belong to an audience. A platform never shows a
// notification to, or lists a window of, another audience.
type Platform interface {
	// ShowNotification displays n to n.Audience. It returns ErrNoWindow when
	// nothing could display it.
	ShowNotification(ctx context.Context, n Notification) error
	// CloseNotifications closes every notification of audience with tag, or
	// all of them when tag is empty.
	CloseNotifications(ctx context.Context, audience, tag string) error
	Windows(ctx context.Context, audience string) ([]Window, error)
	// Focus focuses window id and unfocuses the other windows of its
	// audience.
	Focus(ctx context.Context, id string) error
	OpenWindow(ctx context.Context, audience, url string) (Window, error)
}

// MemoryPlatform records notifications and windows in process memory.
type MemoryPlatform struct {
	mu            sync.Mutex
	notifications []Notification
	windows       []Window
}

func NewMemoryPlatform() *MemoryPlatform { return &MemoryPlatform{} }

func (p *MemoryPlatform) ShowNotification(_ context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// A new notification replaces a displayed one with the same tag.
	kept := p.notifications[:0]
	for _, cur := range p.notifications {
		if cur.Audience != n.Audience || n.Tag == "" || cur.Tag != n.Tag {
			kept = append(kept, cur)
		}
	}
	p.notifications = append(kept, n)
	return nil
}

func (p *MemoryPlatform) CloseNotifications(_ context.Context, audience, tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.notifications[:0]
	for _, cur := range p.notifications {
		if cur.Audience != audience || (tag != "" && cur.Tag != tag) {
			kept = append(kept, cur)
		}
	}
	p.notifications = kept
	return nil
}

// Notifications returns the currently displayed notifications.
func (p *MemoryPlatform) Notifications() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.notifications...)
}

func (p *MemoryPlatform) Windows(_ context.Context, audience string) ([]Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Window
	for _, w := range p.windows {
		if w.Audience == audience {
			out = append(out, w)
		}
	}
	return out, nil
}

func (p *MemoryPlatform) Focus(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := -1
	for i := range p.windows {
		if p.windows[i].ID == id {
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("focus: unknown window %s", id)
	}
	audience := p.windows[idx].Audience
	for i := range p.windows {
		if p.windows[i].Audience == audience {
			p.windows[i].Focused = i == idx
		}
	}
	return nil
}

func (p *MemoryPlatform) OpenWindow(_ context.Context, audience, url string) (Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.windows {
		if p.windows[i].Audience == audience {
			p.windows[i].Focused = false
		}
	}
	w := Window{ID: uuid.NewString(), URL: url, Focused: true, Audience: audience}
	p.windows = append(p.windows, w)
	return w, nil
}

// AddWindow registers an already open window, unfocused.
func (p *MemoryPlatform) AddWindow(audience, url string) Window {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := Window{ID: uuid.NewString(), URL: url, Audience: audience}
	p.windows = append(p.windows, w)
	return w
}
