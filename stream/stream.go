// Package stream binds one transport connection id to a pausable,
// backpressure-aware duplex byte stream. The adapter owns its registry
// registration: it is installed at construction and removed, exactly once,
// before the underlying socket is destroyed.
package stream

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ozontech/netmux/registry"
	"github.com/ozontech/netmux/transport"
)

var (
	ErrShutdown  = errors.New("stream: write after shutdown")
	ErrDestroyed = errors.New("stream: adapter destroyed")
)

// Sink consumes the stream-level view of transport events. OnData returning
// false signals saturation: the adapter pauses inbound flow until Resume is
// called. Sink methods are invoked on engine worker goroutines, never
// concurrently for one adapter.
type Sink interface {
	OnConnect()
	OnData(p []byte) (keepReading bool)
	OnDrain()
	OnTimeout()
	OnError(err error)
	OnClose()
}

// AuxSink optionally receives the events that carry side-channel payloads
// (LOOKUP, SESSION, KEYLOG, OCSP). Sinks that don't care simply don't
// implement it.
type AuxSink interface {
	OnAux(t transport.EventType, payload []byte)
}

// NopSink discards everything and never saturates. Embed it to implement
// only the callbacks you need.
type NopSink struct{}

func (NopSink) OnConnect()         {}
func (NopSink) OnData([]byte) bool { return true }
func (NopSink) OnDrain()           {}
func (NopSink) OnTimeout()         {}
func (NopSink) OnError(error)      {}
func (NopSink) OnClose()           {}

// Adapter is the per-connection stream object.
type Adapter struct {
	id  transport.ConnID
	eng transport.Engine
	reg *registry.Registry
	log *zap.Logger

	mu        sync.Mutex
	sink      Sink
	connected bool
	paused    bool
	shutdown  bool
	destroyed bool
	retired   bool
	termErr   error
	// pending holds writes issued before the CONNECT event; it is drained
	// exactly once when the event fires.
	pending [][]byte
	// onRetire hooks fire exactly once when the adapter leaves service,
	// whether by explicit Destroy or by an unsolicited CLOSE/ERROR.
	onRetire []func(err error)
}

// New creates a fresh socket in the engine and registers the adapter for it.
func New(eng transport.Engine, reg *registry.Registry, log *zap.Logger, sink Sink) *Adapter {
	return wrap(eng, reg, log, sink, eng.CreateSocket())
}

// Wrap adopts an already-created connection id, typically a child id
// delivered by a listener's CONNECTION event, and registers for its events.
func Wrap(eng transport.Engine, reg *registry.Registry, log *zap.Logger, sink Sink, id transport.ConnID) *Adapter {
	return wrap(eng, reg, log, sink, id)
}

func wrap(eng transport.Engine, reg *registry.Registry, log *zap.Logger, sink Sink, id transport.ConnID) *Adapter {
	a := &Adapter{
		id:   id,
		eng:  eng,
		reg:  reg,
		sink: sink,
		log:  log.Named("stream").With(zap.Uint32("id", uint32(id))),
	}
	reg.Register(id, transport.HandlerFunc(a.onEvent))
	return a
}

func (a *Adapter) ID() transport.ConnID { return a.id }

// OnRetire registers a hook fired exactly once when the adapter leaves
// service. The pool uses this to drop dead connections from its lists.
func (a *Adapter) OnRetire(fn func(err error)) {
	a.mu.Lock()
	retired, err := a.retired, a.termErr
	if !retired {
		a.onRetire = append(a.onRetire, fn)
	}
	a.mu.Unlock()
	if retired {
		fn(err)
	}
}

// Connect dials host:port. Progress arrives as LOOKUP/CONNECT events.
func (a *Adapter) Connect(host string, port int) {
	a.eng.Connect(a.id, host, port)
}

// ConnectTLS dials host:port and performs a TLS handshake; CONNECT is
// emitted only after the handshake completes.
func (a *Adapter) ConnectTLS(host string, port int, opts transport.TLSOptions) {
	a.eng.ConnectTLS(a.id, host, port, opts)
}

// ConnectUnix dials a unix domain socket path.
func (a *Adapter) ConnectUnix(path string) {
	a.eng.ConnectUnix(a.id, path)
}

// MarkConnected declares the connection established without waiting for a
// CONNECT event. Accepted server-side children are born connected.
func (a *Adapter) MarkConnected() {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
}

// Write forwards bytes to the engine. Before the CONNECT event writes are
// queued and flushed in order once the event fires. The adapter itself does
// no output buffering beyond that: backpressure is the DRAIN event, re-emitted
// to the sink.
func (a *Adapter) Write(p []byte) error {
	a.mu.Lock()
	switch {
	case a.destroyed:
		a.mu.Unlock()
		return ErrDestroyed
	case a.shutdown:
		a.mu.Unlock()
		return ErrShutdown
	case !a.connected:
		buf := make([]byte, len(p))
		copy(buf, p)
		a.pending = append(a.pending, buf)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.eng.Write(a.id, p)
	return nil
}

// Pause suppresses inbound DATA events. Idempotent.
func (a *Adapter) Pause() {
	a.mu.Lock()
	already := a.paused
	a.paused = true
	a.mu.Unlock()
	if !already {
		a.eng.Pause(a.id)
	}
}

// Resume re-enables inbound DATA events. Idempotent.
func (a *Adapter) Resume() {
	a.mu.Lock()
	paused := a.paused
	a.paused = false
	a.mu.Unlock()
	if paused {
		a.eng.Resume(a.id)
	}
}

// Shutdown half-closes the outbound side. Inbound events keep arriving until
// CLOSE; further writes fail with ErrShutdown.
func (a *Adapter) Shutdown() {
	a.mu.Lock()
	already := a.shutdown
	a.shutdown = true
	a.mu.Unlock()
	if !already {
		a.eng.Shutdown(a.id)
	}
}

// SetTimeout arms the engine's inactivity timer. Firing delivers a TIMEOUT
// event; it is advisory and does not close the connection.
func (a *Adapter) SetTimeout(timeoutMs uint64) {
	a.eng.SetTimeout(a.id, timeoutMs)
}

func (a *Adapter) SetNoDelay(enable bool) {
	a.eng.SetNoDelay(a.id, enable)
}

func (a *Adapter) SetKeepAlive(enable bool, delayMs uint64) {
	a.eng.SetKeepAlive(a.id, enable, delayMs)
}

func (a *Adapter) LocalAddr() string  { return a.eng.LocalAddr(a.id) }
func (a *Adapter) RemoteAddr() string { return a.eng.RemoteAddr(a.id) }

// Destroy tears the adapter down. The registry entry is removed strictly
// before the socket is destroyed, so no dispatch can land on a handler whose
// owner is mid-teardown. Safe to call more than once.
func (a *Adapter) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	err := a.termErr
	a.mu.Unlock()

	a.reg.Unregister(a.id)
	a.eng.DestroySocket(a.id)
	a.retire(err)
}

func (a *Adapter) retire(err error) {
	a.mu.Lock()
	if a.retired {
		a.mu.Unlock()
		return
	}
	a.retired = true
	hooks := a.onRetire
	a.onRetire = nil
	a.mu.Unlock()

	for _, fn := range hooks {
		fn(err)
	}
}

func (a *Adapter) onEvent(t transport.EventType, payload []byte) {
	switch t {
	case transport.EventConnect:
		a.mu.Lock()
		a.connected = true
		pending := a.pending
		a.pending = nil
		// Flushed under the lock: a Write racing this dispatch either lands
		// in pending before the swap or reaches the engine after the flush.
		// Engine.Write is fire-and-forget, so holding mu here is safe.
		for _, buf := range pending {
			a.eng.Write(a.id, buf)
		}
		a.mu.Unlock()
		a.sink.OnConnect()

	case transport.EventData:
		if !a.sink.OnData(payload) {
			a.Pause()
		}

	case transport.EventDrain:
		a.sink.OnDrain()

	case transport.EventTimeout:
		a.sink.OnTimeout()

	case transport.EventError:
		err := errors.New(string(payload))
		a.mu.Lock()
		first := a.termErr == nil
		if first {
			a.termErr = err
		}
		a.mu.Unlock()
		// Surface the terminal error exactly once; the engine follows up
		// with CLOSE, which drives the actual teardown.
		if first {
			a.sink.OnError(err)
		}

	case transport.EventClose:
		a.mu.Lock()
		err := a.termErr
		a.mu.Unlock()
		a.retire(err)
		a.sink.OnClose()
		a.Destroy()

	case transport.EventLookup, transport.EventSession, transport.EventKeylog, transport.EventOCSP:
		if aux, ok := a.sink.(AuxSink); ok {
			aux.OnAux(t, payload)
		}

	default:
		a.log.Warn("unexpected event on socket", zap.Stringer("event", t))
	}
}
