// Package netengine is the default transport engine: sockets and listeners
// over the net and crypto/tls packages, one reader and one writer goroutine
// per connection. Commands are fire-and-forget; progress and failures come
// back through the event callback supplied at construction, with events for
// a single id delivered in order and never concurrently.
package netengine

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ozontech/netmux/consts"
	"github.com/ozontech/netmux/transport"
)

type Opt func(*Engine)

func WithLogger(log *zap.Logger) Opt {
	return func(e *Engine) { e.log = log.Named("netengine") }
}

func WithDialTimeout(d time.Duration) Opt {
	return func(e *Engine) { e.dialTimeout = d }
}

type Engine struct {
	emit        transport.EventFunc
	log         *zap.Logger
	dialTimeout time.Duration

	ids atomic.Uint32

	mu        sync.RWMutex
	sockets   map[transport.ConnID]*socket
	listeners map[transport.ConnID]*listener

	contexts *contextStore
}

var _ transport.Engine = (*Engine)(nil)

// New builds an engine delivering events through emit. The callback is
// invoked from per-connection goroutines owned by the engine.
func New(emit transport.EventFunc, opts ...Opt) *Engine {
	e := &Engine{
		emit:        emit,
		log:         zap.NewNop(),
		dialTimeout: consts.DefaultDialTimeout,
		sockets:     make(map[transport.ConnID]*socket),
		listeners:   make(map[transport.ConnID]*listener),
		contexts:    newContextStore(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) nextID() transport.ConnID {
	return transport.ConnID(e.ids.Add(1))
}

func (e *Engine) CreateSocket() transport.ConnID {
	id := e.nextID()
	s := newSocket(e, id)
	e.mu.Lock()
	e.sockets[id] = s
	e.mu.Unlock()
	return id
}

func (e *Engine) socket(id transport.ConnID) *socket {
	e.mu.RLock()
	s := e.sockets[id]
	e.mu.RUnlock()
	return s
}

func (e *Engine) dropSocket(id transport.ConnID) {
	e.mu.Lock()
	delete(e.sockets, id)
	e.mu.Unlock()
}

func (e *Engine) Connect(id transport.ConnID, host string, port int) {
	if s := e.socket(id); s != nil {
		s.connect("tcp", hostPort(host, port), nil)
	}
}

func (e *Engine) ConnectTLS(id transport.ConnID, host string, port int, opts transport.TLSOptions) {
	if s := e.socket(id); s != nil {
		cfg, err := e.contexts.clientConfig(opts, host)
		if err != nil {
			s.fail(err)
			return
		}
		if opts.Keylog {
			cfg.KeyLogWriter = &keylogEmitter{eng: e, id: id}
		}
		s.connect("tcp", hostPort(host, port), cfg)
	}
}

func (e *Engine) ConnectUnix(id transport.ConnID, path string) {
	if s := e.socket(id); s != nil {
		s.connect("unix", path, nil)
	}
}

func (e *Engine) ConnectUnixTLS(id transport.ConnID, path string, opts transport.TLSOptions) {
	if s := e.socket(id); s != nil {
		cfg, err := e.contexts.clientConfig(opts, opts.ServerName)
		if err != nil {
			s.fail(err)
			return
		}
		if opts.Keylog {
			cfg.KeyLogWriter = &keylogEmitter{eng: e, id: id}
		}
		s.connect("unix", path, cfg)
	}
}

func (e *Engine) Write(id transport.ConnID, p []byte) {
	if s := e.socket(id); s != nil {
		s.enqueue(p)
	}
}

func (e *Engine) Pause(id transport.ConnID) {
	if s := e.socket(id); s != nil {
		s.setPaused(true)
	}
}

func (e *Engine) Resume(id transport.ConnID) {
	if s := e.socket(id); s != nil {
		s.setPaused(false)
	}
}

func (e *Engine) Shutdown(id transport.ConnID) {
	if s := e.socket(id); s != nil {
		s.requestShutdown()
	}
}

func (e *Engine) SetNoDelay(id transport.ConnID, enable bool) {
	if s := e.socket(id); s != nil {
		s.setNoDelay(enable)
	}
}

func (e *Engine) SetKeepAlive(id transport.ConnID, enable bool, delayMs uint64) {
	if s := e.socket(id); s != nil {
		s.setKeepAlive(enable, time.Duration(delayMs)*time.Millisecond)
	}
}

func (e *Engine) SetTimeout(id transport.ConnID, timeoutMs uint64) {
	if s := e.socket(id); s != nil {
		s.setTimeout(time.Duration(timeoutMs) * time.Millisecond)
	}
}

func (e *Engine) LocalAddr(id transport.ConnID) string {
	if s := e.socket(id); s != nil {
		return s.localAddr()
	}
	return ""
}

func (e *Engine) RemoteAddr(id transport.ConnID) string {
	if s := e.socket(id); s != nil {
		return s.remoteAddr()
	}
	return ""
}

func (e *Engine) DestroySocket(id transport.ConnID) {
	e.mu.Lock()
	s := e.sockets[id]
	delete(e.sockets, id)
	e.mu.Unlock()
	if s != nil {
		s.destroy()
	}
}

func (e *Engine) CreateListener() transport.ConnID {
	id := e.nextID()
	l := newListener(e, id)
	e.mu.Lock()
	e.listeners[id] = l
	e.mu.Unlock()
	return id
}

func (e *Engine) listener(id transport.ConnID) *listener {
	e.mu.RLock()
	l := e.listeners[id]
	e.mu.RUnlock()
	return l
}

func (e *Engine) Listen(id transport.ConnID, opts transport.ListenOptions) {
	if l := e.listener(id); l != nil {
		l.listenTCP(opts)
	}
}

// ListenUnix ignores backlog: the net package sizes the accept queue itself
// and offers no way to override it.
func (e *Engine) ListenUnix(id transport.ConnID, path string, _ int, sc transport.SecureContextID) {
	if l := e.listener(id); l != nil {
		l.listenUnix(path, sc)
	}
}

// ListenHandle ignores backlog: the inherited descriptor is already
// listening, its queue was sized by whoever bound it.
func (e *Engine) ListenHandle(id transport.ConnID, fd uintptr, _ int) {
	if l := e.listener(id); l != nil {
		l.listenHandle(fd)
	}
}

func (e *Engine) SetMaxConnections(id transport.ConnID, n int) {
	if l := e.listener(id); l != nil {
		l.setMaxConnections(n)
	}
}

func (e *Engine) ListenerAddr(id transport.ConnID) string {
	if l := e.listener(id); l != nil {
		return l.addr()
	}
	return ""
}

func (e *Engine) CloseListener(id transport.ConnID) {
	if l := e.listener(id); l != nil {
		l.close()
	}
}

func (e *Engine) DestroyListener(id transport.ConnID) {
	e.mu.Lock()
	l := e.listeners[id]
	delete(e.listeners, id)
	e.mu.Unlock()
	if l != nil {
		l.close()
	}
}

// adopt registers an accepted child connection under a fresh id. Children
// start paused so no DATA can race the owner wiring up a handler; the owner
// resumes once ready. onClose runs when the child is torn down.
func (e *Engine) adopt(conn net.Conn, onClose func()) transport.ConnID {
	id := e.nextID()
	s := newSocket(e, id)
	s.onClose = onClose
	e.mu.Lock()
	e.sockets[id] = s
	e.mu.Unlock()
	s.adopt(conn)
	return id
}

func (e *Engine) dropListenerState(id transport.ConnID) {
	e.mu.Lock()
	delete(e.listeners, id)
	e.mu.Unlock()
}

// Close tears down every live socket and listener. Used on process shutdown;
// individual teardown still emits the usual ERROR/CLOSE events.
func (e *Engine) Close() error {
	e.mu.Lock()
	sockets := make([]*socket, 0, len(e.sockets))
	for _, s := range e.sockets {
		sockets = append(sockets, s)
	}
	listeners := make([]*listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.closeErr())
	}
	for _, s := range sockets {
		s.destroy()
	}
	return err
}
