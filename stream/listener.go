package stream

import (
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ozontech/netmux/registry"
	"github.com/ozontech/netmux/transport"
)

// AcceptFunc receives the connection id of an accepted child. The callee
// typically wraps it with stream.Wrap and marks it connected.
type AcceptFunc func(child transport.ConnID)

// Listener binds a listener id to bound/accept callbacks. Like Adapter, it
// owns its registry registration and removes it before destroying the
// underlying listener.
type Listener struct {
	id  transport.ConnID
	eng transport.Engine
	reg *registry.Registry
	log *zap.Logger

	accept  AcceptFunc
	onBound func()
	onError func(err error)

	mu        sync.Mutex
	destroyed bool
}

func NewListener(eng transport.Engine, reg *registry.Registry, log *zap.Logger, accept AcceptFunc) *Listener {
	id := eng.CreateListener()
	l := &Listener{
		id:     id,
		eng:    eng,
		reg:    reg,
		accept: accept,
		log:    log.Named("listener").With(zap.Uint32("id", uint32(id))),
	}
	reg.Register(id, transport.HandlerFunc(l.onEvent))
	return l
}

func (l *Listener) ID() transport.ConnID { return l.id }

// OnBound installs a callback fired when the listener is bound.
func (l *Listener) OnBound(fn func()) { l.onBound = fn }

// OnError installs a callback for listener-level errors (bind failure etc.).
func (l *Listener) OnError(fn func(err error)) { l.onError = fn }

func (l *Listener) Listen(opts transport.ListenOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	l.eng.Listen(l.id, opts)
	return nil
}

func (l *Listener) ListenUnix(path string, backlog int, sc transport.SecureContextID) {
	l.eng.ListenUnix(l.id, path, backlog, sc)
}

func (l *Listener) ListenHandle(fd uintptr, backlog int) {
	l.eng.ListenHandle(l.id, fd, backlog)
}

func (l *Listener) SetMaxConnections(n int) {
	l.eng.SetMaxConnections(l.id, n)
}

func (l *Listener) Addr() string { return l.eng.ListenerAddr(l.id) }

func (l *Listener) Close() { l.eng.CloseListener(l.id) }

// Destroy unregisters the listener before releasing it. Idempotent.
func (l *Listener) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	l.mu.Unlock()

	l.reg.Unregister(l.id)
	l.eng.DestroyListener(l.id)
}

func (l *Listener) onEvent(t transport.EventType, payload []byte) {
	switch t {
	case transport.EventConnection:
		if string(payload) == transport.ListeningPayload {
			if l.onBound != nil {
				l.onBound()
			}
			return
		}
		child, err := strconv.ParseUint(string(payload), 10, 32)
		if err != nil {
			l.log.Warn("malformed child id payload", zap.ByteString("payload", payload))
			return
		}
		l.accept(transport.ConnID(child))

	case transport.EventError:
		if l.onError != nil {
			l.onError(errors.New(string(payload)))
		}

	case transport.EventClose:
		l.Destroy()

	default:
		l.log.Warn("unexpected event on listener", zap.Stringer("event", t))
	}
}
