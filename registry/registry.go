// Package registry routes asynchronous transport events to per-connection
// handlers. Dispatch is byte-rate hot and read-mostly; registration tracks
// connection churn and is comparatively rare.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ozontech/netmux/metrics"
	"github.com/ozontech/netmux/transport"
)

type Registry struct {
	mu       sync.RWMutex
	handlers map[transport.ConnID]transport.Handler

	log *zap.Logger
}

func New(log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[transport.ConnID]transport.Handler, 1024),
		log:      log.Named("registry"),
	}
}

// Register installs handler for id, replacing any previous registration.
// Callers must guarantee id uniqueness; re-registering an id that is
// mid-dispatch is undefined.
func (r *Registry) Register(id transport.ConnID, h transport.Handler) {
	r.mu.Lock()
	r.handlers[id] = h
	r.mu.Unlock()
}

// Unregister removes the handler for id. No-op if absent.
func (r *Registry) Unregister(id transport.ConnID) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

// Len reports the number of live registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Dispatch routes one event to the handler registered for id, if any.
// The handler reference is copied under the read lock and invoked after the
// lock is released: handlers commonly react to CLOSE by unregistering their
// own id, which takes the write lock and would deadlock otherwise. Events
// for ids with no registration are dropped silently; a connection may
// legitimately be unregistered just before a queued event arrives.
func (r *Registry) Dispatch(id transport.ConnID, t transport.EventType, payload []byte) {
	r.mu.RLock()
	h := r.handlers[id]
	r.mu.RUnlock()

	if h == nil {
		metrics.DispatchDropped.Inc()
		r.log.Debug("no handler for event",
			zap.Uint32("id", uint32(id)),
			zap.Stringer("event", t))
		return
	}

	metrics.DispatchTotal.WithLabelValues(t.String()).Inc()
	h.OnEvent(t, payload)
}

// EventFunc returns the registry's dispatch as a transport callback, for
// wiring straight into an engine at construction.
func (r *Registry) EventFunc() transport.EventFunc {
	return r.Dispatch
}
