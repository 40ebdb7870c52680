// Package broadcast fans decoded socket frames out to subscribers by event name.
//
// Subscriptions for one event name are notified in the order they were added.
// Dispatch is synchronous: the socket's single reader calls it once per frame,
// so subscribers observe frames in arrival order.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"homepanel/message"
	"homepanel/metrics"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler receives the payload of one frame. A returned error (or a panic) is
// logged and does not affect other handlers.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Subscription is the registration of one handler for one event name.
type Subscription struct {
	event   string
	handler Handler
	active  atomic.Bool
	owner   *Broadcaster
}

// Event returns the subscribed event name.
func (s *Subscription) Event() string { return s.event }

// Release unsubscribes. It is safe to call more than once.
func (s *Subscription) Release() {
	if s.owner != nil {
		s.owner.Unsubscribe(s)
	}
}

type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription // copy-on-write per event name
	logger *slog.Logger
}

// New creates a Broadcaster. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe registers handler for frames named event (exact match).
func (b *Broadcaster) Subscribe(event string, handler Handler) *Subscription {
	sub := &Subscription{event: event, handler: handler, owner: b}
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs[event]
	next := make([]*Subscription, len(current), len(current)+1)
	copy(next, current)
	b.subs[event] = append(next, sub)
	return sub
}

// Unsubscribe removes sub. Frames dispatched after it returns never reach the
// handler, even when a dispatch snapshot taken earlier still lists it.
// Unsubscribing twice, or a subscription from another broadcaster, is a no-op.
// It may be called from inside a handler.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.owner != b || !sub.active.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	current := b.subs[sub.event]
	next := make([]*Subscription, 0, len(current))
	for _, s := range current {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subs, sub.event)
	} else {
		b.subs[sub.event] = next
	}
	b.mu.Unlock()
}

// Count returns the number of subscriptions for event.
func (b *Broadcaster) Count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// Dispatch invokes every handler subscribed to ev.Name, once each, in
// subscription order.
func (b *Broadcaster) Dispatch(ctx context.Context, ev message.Event) {
	b.mu.RLock()
	subs := b.subs[ev.Name]
	b.mu.RUnlock()

	metrics.ObserveFrame(ev.Name)

	for _, sub := range subs {
		b.invoke(ctx, sub, ev)
	}
}

func (b *Broadcaster) invoke(ctx context.Context, sub *Subscription, ev message.Event) {
	if !sub.active.Load() {
		return
	}

	err := safeCall(ctx, sub.handler, ev.Result)
	if err != nil {
		metrics.ObserveHandlerFailure(ev.Name)
		b.logger.WarnContext(ctx, "event handler failed",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()))
	}
}

func safeCall(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, payload)
}
