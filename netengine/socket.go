package netengine

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ozontech/netmux/consts"
	"github.com/ozontech/netmux/metrics"
	"github.com/ozontech/netmux/transport"
)

type closeWriter interface {
	CloseWrite() error
}

// socket is the engine-side state of one connection. The reader and writer
// goroutines started on connect share the mutex/cond for queue and pause
// state; events are serialized through emitMu so two loops never deliver
// concurrently for the same id.
type socket struct {
	id  transport.ConnID
	eng *Engine
	log *zap.Logger

	mu   sync.Mutex
	cond *sync.Cond

	conn         net.Conn
	queue        [][]byte
	paused       bool
	shutdown     bool
	shutdownSent bool
	closed       bool

	// staged options, applied once the dial completes
	noDelaySet     bool
	noDelay        bool
	keepAliveSet   bool
	keepAlive      bool
	keepAliveDelay time.Duration

	timeout time.Duration
	timer   *time.Timer

	// onClose runs once on teardown; listeners use it to track child counts.
	onClose func()

	emitMu sync.Mutex
}

func newSocket(e *Engine, id transport.ConnID) *socket {
	s := &socket{
		id:  id,
		eng: e,
		log: e.log.Named("socket").With(zap.Uint32("id", uint32(id))),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *socket) emitEvent(t transport.EventType, payload []byte) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.eng.emit(s.id, t, payload)
}

// connect dials asynchronously; cfg non-nil upgrades to TLS before CONNECT
// is reported.
func (s *socket) connect(network, addr string, cfg *tls.Config) {
	go func() {
		d := net.Dialer{Timeout: s.eng.dialTimeout}
		conn, err := d.Dial(network, addr)
		if err != nil {
			s.teardown(err)
			return
		}
		s.emitEvent(transport.EventLookup, []byte(conn.RemoteAddr().String()))

		if cfg != nil {
			s.applyTCPOptions(conn)
			tconn := tls.Client(conn, cfg)
			if err := tconn.Handshake(); err != nil {
				_ = conn.Close()
				s.teardown(err)
				return
			}
			cs := tconn.ConnectionState()
			if len(cs.OCSPResponse) > 0 {
				s.emitEvent(transport.EventOCSP, cs.OCSPResponse)
			}
			if cs.DidResume {
				s.emitEvent(transport.EventSession, []byte("resumed"))
			} else {
				s.emitEvent(transport.EventSession, []byte("new"))
			}
			conn = tconn
		}

		if !s.install(conn, false) {
			return
		}
		// CONNECT must precede any DATA or DRAIN for this id, so the loops
		// are started only after it is emitted.
		s.emitEvent(transport.EventConnect, nil)
		s.startLoops(conn)
	}()
}

// fail reports err and tears the socket down without ever having connected.
func (s *socket) fail(err error) {
	go s.teardown(err)
}

// adopt takes over an accepted server-side connection. It starts paused: the
// CONNECTION event carrying this child's id has not been handled yet, and no
// DATA may be dispatched before a handler exists.
func (s *socket) adopt(conn net.Conn) {
	if s.install(conn, true) {
		s.startLoops(conn)
	}
}

// install records the connection without starting IO. Separated from
// startLoops so connect can slot the CONNECT event in between.
func (s *socket) install(conn net.Conn, paused bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	s.conn = conn
	s.paused = paused
	s.mu.Unlock()

	s.applyTCPOptions(conn)
	return true
}

func (s *socket) startLoops(conn net.Conn) {
	go s.readLoop(conn)
	go s.writeLoop(conn)
}

func (s *socket) applyTCPOptions(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	s.mu.Lock()
	noDelaySet, noDelay := s.noDelaySet, s.noDelay
	kaSet, ka, kaDelay := s.keepAliveSet, s.keepAlive, s.keepAliveDelay
	s.mu.Unlock()

	if noDelaySet {
		_ = tc.SetNoDelay(noDelay)
	}
	if kaSet {
		_ = tc.SetKeepAlive(ka)
		if ka && kaDelay > 0 {
			_ = tc.SetKeepAlivePeriod(kaDelay)
		}
	}
}

func (s *socket) readLoop(conn net.Conn) {
	buf := make([]byte, consts.ReadBufferSize)
	for {
		s.mu.Lock()
		for s.paused && !s.closed {
			s.cond.Wait()
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			s.touch()
			metrics.BytesIn.Add(float64(n))
			// The buffer is reused after dispatch returns; handlers must
			// not retain the payload, per the event contract.
			s.emitEvent(transport.EventData, buf[:n])
		}
		if err != nil {
			if s.isClosed() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.teardown(nil)
			} else {
				s.teardown(err)
			}
			return
		}
	}
}

func (s *socket) writeLoop(conn net.Conn) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed && (!s.shutdown || s.shutdownSent) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		doShutdown := len(batch) == 0 && s.shutdown && !s.shutdownSent
		if doShutdown {
			s.shutdownSent = true
		}
		s.mu.Unlock()

		for _, b := range batch {
			if _, err := conn.Write(b); err != nil {
				if !s.isClosed() {
					s.teardown(err)
				}
				return
			}
			metrics.BytesOut.Add(float64(len(b)))
			s.touch()
		}

		if doShutdown {
			if cw, ok := conn.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
			continue
		}

		s.mu.Lock()
		drained := len(s.queue) == 0 && len(batch) > 0
		s.mu.Unlock()
		if drained {
			s.emitEvent(transport.EventDrain, nil)
		}
	}
}

// enqueue copies p onto the outbound queue. Writes queued before the dial
// completes are flushed by the writer once it starts.
func (s *socket) enqueue(p []byte) {
	buf := make([]byte, len(p))
	copy(buf, p)

	s.mu.Lock()
	if s.closed || s.shutdown {
		s.mu.Unlock()
		s.log.Debug("write discarded", zap.Int("len", len(p)))
		return
	}
	s.queue = append(s.queue, buf)
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *socket) setPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *socket) requestShutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *socket) setNoDelay(enable bool) {
	s.mu.Lock()
	s.noDelaySet, s.noDelay = true, enable
	conn := s.conn
	s.mu.Unlock()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(enable)
	}
}

func (s *socket) setKeepAlive(enable bool, delay time.Duration) {
	s.mu.Lock()
	s.keepAliveSet, s.keepAlive, s.keepAliveDelay = true, enable, delay
	conn := s.conn
	s.mu.Unlock()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(enable)
		if enable && delay > 0 {
			_ = tc.SetKeepAlivePeriod(delay)
		}
	}
}

// setTimeout arms the inactivity timer. Firing emits TIMEOUT and nothing
// else: the timer is advisory and the connection stays open. Any read or
// write re-arms it.
func (s *socket) setTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timeout = d
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if d == 0 || s.closed {
		return
	}
	s.timer = time.AfterFunc(d, func() {
		if !s.isClosed() {
			s.emitEvent(transport.EventTimeout, nil)
		}
	})
}

func (s *socket) touch() {
	s.mu.Lock()
	timer, d := s.timer, s.timeout
	s.mu.Unlock()
	if timer != nil && d > 0 {
		timer.Reset(d)
	}
}

func (s *socket) localAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.LocalAddr().String()
}

func (s *socket) remoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

func (s *socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *socket) destroy() {
	s.teardown(nil)
}

// teardown closes the socket exactly once. A non-nil err is reported as an
// ERROR event before the CLOSE; both are dropped silently by the registry if
// the owner already unregistered.
func (s *socket) teardown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	timer := s.timer
	s.timer = nil
	s.queue = nil
	s.mu.Unlock()
	s.cond.Broadcast()

	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.eng.dropSocket(s.id)
	if s.onClose != nil {
		s.onClose()
	}

	if err != nil {
		s.log.Debug("socket failed", zap.Error(err))
		s.emitEvent(transport.EventError, []byte(err.Error()))
	}
	s.emitEvent(transport.EventClose, nil)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
