// Package registry tracks the subscribers attached to a run and fans run
// events out to them. A subscriber whose send fails is removed; the failure
// never reaches the broadcaster.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/metrics"
	"github.com/JakeFAU/listing-stream/internal/scrape"
)

var (
	// ErrSubscriberClosed is returned by Send once a subscriber has shut down.
	ErrSubscriberClosed = errors.New("subscriber closed")
	// ErrOutboxFull is returned by Send when a subscriber cannot keep up.
	ErrOutboxFull = errors.New("subscriber outbox full")
)

// Subscriber receives run events. Send must preserve the order of calls.
// Implementations must be comparable; pointer receivers are the norm.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, evt scrape.Event) error
}

// Closer is implemented by subscribers that hold a connection. A dropped
// subscriber is closed so its peer learns it will receive nothing more.
type Closer interface {
	Close()
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used when subscribers are dropped.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSendTimeout bounds each individual Send call.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.sendTimeout = d
	}
}

// Registry is the set of live subscribers for one run. It is safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	subs        map[string]Subscriber
	logger      *zap.Logger
	sendTimeout time.Duration
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		subs:   make(map[string]Subscriber),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds sub. A subscriber with the same ID replaces the previous one.
func (r *Registry) Register(sub Subscriber) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	r.subs[sub.ID()] = sub
	r.mu.Unlock()
}

// Unregister removes the subscriber with id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Len reports the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Broadcast delivers evt to every subscriber registered when the call starts.
func (r *Registry) Broadcast(ctx context.Context, evt scrape.Event) {
	for _, sub := range r.snapshot() {
		err := r.send(ctx, sub, evt)
		metrics.ObserveEventDelivery(string(evt.Kind), err == nil)
		if err == nil {
			continue
		}
		if r.remove(sub) {
			if c, ok := sub.(Closer); ok {
				c.Close()
			}
			metrics.ObserveSubscriberDropped()
			r.logger.Debug("subscriber dropped",
				zap.String("subscriber_id", sub.ID()),
				zap.String("event", string(evt.Kind)),
				zap.Error(err),
			)
		}
	}
}

// BroadcastProgress sends a progress event.
func (r *Registry) BroadcastProgress(ctx context.Context, current, total int) {
	r.Broadcast(ctx, scrape.ProgressEvent(current, total))
}

// BroadcastChunk sends one chunk of records.
func (r *Registry) BroadcastChunk(ctx context.Context, records []scrape.Record) {
	r.Broadcast(ctx, scrape.ChunkEvent(records))
}

// BroadcastError sends the terminal error event.
func (r *Registry) BroadcastError(ctx context.Context, message string) {
	r.Broadcast(ctx, scrape.ErrorEvent(message))
}

func (r *Registry) snapshot() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

func (r *Registry) send(ctx context.Context, sub Subscriber, evt scrape.Event) error {
	if r.sendTimeout <= 0 {
		return sub.Send(ctx, evt)
	}
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	return sub.Send(sendCtx, evt)
}

// remove deletes sub only if it is still the entry registered under its id.
func (r *Registry) remove(sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.subs[sub.ID()]
	if !ok || current != sub {
		return false
	}
	delete(r.subs, sub.ID())
	return true
}

// Func adapts a function into a Subscriber.
func Func(id string, fn func(ctx context.Context, evt scrape.Event) error) Subscriber {
	return &funcSubscriber{id: id, fn: fn}
}

type funcSubscriber struct {
	id string
	fn func(ctx context.Context, evt scrape.Event) error
}

func (f *funcSubscriber) ID() string { return f.id }

func (f *funcSubscriber) Send(ctx context.Context, evt scrape.Event) error {
	return f.fn(ctx, evt)
}
