package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// EventType names a host lifecycle event. These are the gateway's only entry
// points.
type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventFetch             EventType = "fetch"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationclick"
)

// Event is the context object handed to listeners. Which payload field is
// set depends on Type.
type Event struct {
	Type         EventType
	Request      Request      // fetch
	Data         []byte       // push
	Audience     string       // push
	Notification Notification // notificationclick

	tasks *taskRunner

	mu        sync.Mutex
	responded bool
	result    Result
	err       error
}

// RespondWith settles a fetch event. Only the first call has an effect.
func (e *Event) RespondWith(res Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responded {
		return
	}
	e.responded = true
	e.result, e.err = res, err
}

// Response reports what a listener responded with, if any did.
func (e *Event) Response() (Result, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.responded, e.err
}

// WaitUntil runs fn as a detached task that outlives the listener.
func (e *Event) WaitUntil(name string, fn func(ctx context.Context)) bool {
	if e.tasks == nil {
		return false
	}
	return e.tasks.Go(name, fn)
}

type Listener func(ctx context.Context, ev *Event) error

// Worker holds the registered listeners of every event type.
type Worker struct {
	tasks *taskRunner

	mu        sync.RWMutex
	listeners map[EventType][]Listener
}

func NewWorker(tasks *taskRunner) *Worker {
	return &Worker{tasks: tasks, listeners: map[EventType][]Listener{}}
}

func (w *Worker) On(t EventType, l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners[t] = append(w.listeners[t], l)
}

// Dispatch runs the listeners of ev.Type in registration order. A panicking
// listener is recovered and reported as an error; it never takes the host
// down.
func (w *Worker) Dispatch(ctx context.Context, ev *Event) error {
	w.mu.RLock()
	ls := append([]Listener(nil), w.listeners[ev.Type]...)
	w.mu.RUnlock()

	ev.tasks = w.tasks
	var errs []error
	for _, l := range ls {
		if err := safeCall(ctx, l, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeCall(ctx context.Context, l Listener, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: %s listener panicked: %v", ev.Type, r)
			err = fmt.Errorf("%s listener panicked: %v", ev.Type, r)
		}
	}()
	return l(ctx, ev)
}
