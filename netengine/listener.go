package netengine

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ozontech/netmux/transport"
)

// listener is the engine-side state of one listening endpoint. The accept
// loop runs in its own goroutine; each accepted connection is adopted as a
// child socket and announced with a CONNECTION event carrying the child id.
type listener struct {
	id  transport.ConnID
	eng *Engine
	log *zap.Logger

	mu       sync.Mutex
	ln       net.Listener
	closed   bool
	maxConns int
	children int

	emitMu sync.Mutex
}

func newListener(e *Engine, id transport.ConnID) *listener {
	return &listener{
		id:  id,
		eng: e,
		log: e.log.Named("listener").With(zap.Uint32("id", uint32(id))),
	}
}

func (l *listener) emitEvent(t transport.EventType, payload []byte) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.eng.emit(l.id, t, payload)
}

func (l *listener) listenTCP(opts transport.ListenOptions) {
	go func() {
		if err := opts.Validate(); err != nil {
			l.fail(err)
			return
		}

		network, addr := "tcp", ":"+strconv.Itoa(opts.Port)
		if opts.IPv6Only {
			network, addr = "tcp6", "[::]:"+strconv.Itoa(opts.Port)
		}
		lc := net.ListenConfig{Control: listenControl(opts.IPv6Only, opts.ReusePort)}
		ln, err := lc.Listen(context.Background(), network, addr)
		if err != nil {
			l.fail(err)
			return
		}
		l.serve(ln, opts.SecureContext)
	}()
}

func (l *listener) listenUnix(path string, sc transport.SecureContextID) {
	go func() {
		ln, err := net.Listen("unix", path)
		if err != nil {
			l.fail(err)
			return
		}
		l.serve(ln, sc)
	}()
}

// listenHandle adopts an already-bound descriptor, e.g. one inherited from a
// supervisor.
func (l *listener) listenHandle(fd uintptr) {
	go func() {
		f := os.NewFile(fd, "inherited-listener")
		if f == nil {
			l.fail(os.ErrInvalid)
			return
		}
		ln, err := net.FileListener(f)
		_ = f.Close()
		if err != nil {
			l.fail(err)
			return
		}
		l.serve(ln, 0)
	}()
}

func (l *listener) serve(ln net.Listener, sc transport.SecureContextID) {
	if sc != 0 {
		cfg, err := l.eng.contexts.serverConfig(sc)
		if err != nil {
			_ = ln.Close()
			l.fail(err)
			return
		}
		ln = tls.NewListener(ln, cfg)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ln.Close()
		return
	}
	l.ln = ln
	l.mu.Unlock()

	l.log.Info("listening", zap.String("addr", ln.Addr().String()))
	l.emitEvent(transport.EventConnection, []byte(transport.ListeningPayload))
	l.acceptLoop(ln)
}

func (l *listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.closed = true
			l.mu.Unlock()
			if !closed {
				l.emitEvent(transport.EventError, []byte(err.Error()))
			}
			l.eng.dropListenerState(l.id)
			l.emitEvent(transport.EventClose, nil)
			return
		}

		l.mu.Lock()
		over := l.maxConns > 0 && l.children >= l.maxConns
		if !over {
			l.children++
		}
		l.mu.Unlock()
		if over {
			l.log.Warn("connection limit reached, dropping accept",
				zap.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}

		child := l.eng.adopt(conn, func() {
			l.mu.Lock()
			l.children--
			l.mu.Unlock()
		})
		l.emitEvent(transport.EventConnection, []byte(child.String()))
	}
}

func (l *listener) fail(err error) {
	l.log.Warn("listen failed", zap.Error(err))
	l.emitEvent(transport.EventError, []byte(err.Error()))
	l.eng.dropListenerState(l.id)
	l.emitEvent(transport.EventClose, nil)
}

func (l *listener) setMaxConnections(n int) {
	l.mu.Lock()
	l.maxConns = n
	l.mu.Unlock()
}

func (l *listener) addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

func (l *listener) close() {
	_ = l.closeErr()
}

func (l *listener) closeErr() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
