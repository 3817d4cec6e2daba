package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/bizlink/bizlink-realtime/internal/pkg/metrics"
)

// Handler receives the data portion of an inbound frame plus the full envelope.
type Handler func(data json.RawMessage, env Envelope)

// Subscription identifies one registered handler so it can be removed later.
// Go functions are not comparable, so unsubscription is by token rather than
// by callback value.
type Subscription uint64

type subscriber struct {
	id Subscription
	fn Handler
}

// registry maps message-type tags to ordered subscriber lists. Dispatch order
// follows subscription order, and a panicking handler never blocks the rest.
type registry struct {
	mu     sync.Mutex
	subs   map[string][]subscriber
	nextID Subscription
	log    *slog.Logger
}

func newRegistry(log *slog.Logger) *registry {
	return &registry{subs: make(map[string][]subscriber), log: log}
}

// Subscribe registers fn under msgType. Multiple handlers per type are
// permitted; all are invoked on dispatch.
func (r *registry) Subscribe(msgType string, fn Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subs[msgType] = append(r.subs[msgType], subscriber{id: r.nextID, fn: fn})
	return r.nextID
}

// Unsubscribe removes the handler registered under id for msgType.
func (r *registry) Unsubscribe(msgType string, id Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[msgType]
	for i, s := range list {
		if s.id == id {
			r.subs[msgType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[msgType]) == 0 {
		delete(r.subs, msgType)
	}
}

// UnsubscribeAll clears every handler for msgType.
func (r *registry) UnsubscribeAll(msgType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, msgType)
}

// dispatch invokes every handler registered for env.Type, in registration
// order. Each invocation is isolated: a panic is recovered and logged so
// sibling handlers and the fixed internal handlers still run.
func (r *registry) dispatch(env Envelope) {
	r.mu.Lock()
	list := make([]subscriber, len(r.subs[env.Type]))
	copy(list, r.subs[env.Type])
	r.mu.Unlock()

	for _, s := range list {
		r.invoke(s, env)
	}
}

func (r *registry) invoke(s subscriber, env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.SubscriberPanicsTotal.Inc()
			r.log.Error("subscriber panic", "type", env.Type, "panic", rec)
		}
	}()
	s.fn(env.Data, env)
}

func (r *registry) hasSubscribers(msgType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[msgType]) > 0
}
