// Package transport defines the boundary between the asynchronous transport
// engine, which owns sockets and worker threads, and the stream layer built
// on top of it. Commands are fire-and-forget; results come back as events
// delivered through a single callback, keyed by connection id.
package transport

import "strconv"

// ConnID identifies one live connection or listener inside an engine
// instance. It is a lookup key only and carries no ownership.
type ConnID uint32

func (id ConnID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// EventType enumerates the events an engine reports. The numbering matches
// the native driver wire values and must stay stable.
type EventType int

const (
	EventConnect    EventType = 1  // outbound connect (and TLS handshake) done
	EventData       EventType = 2  // payload carries received bytes
	EventError      EventType = 3  // payload carries a UTF-8 message; teardown follows
	EventClose      EventType = 4  // connection fully closed
	EventDrain      EventType = 5  // outbound queue drained
	EventConnection EventType = 6  // listener: bound ("listening") or accepted child id
	EventTimeout    EventType = 7  // inactivity timer fired; advisory only
	EventLookup     EventType = 8  // payload carries the resolved remote address
	EventSession    EventType = 9  // opaque session/debug payload
	EventKeylog     EventType = 10 // payload carries one NSS key log line
	EventOCSP       EventType = 11 // payload carries a stapled OCSP response
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "CONNECT"
	case EventData:
		return "DATA"
	case EventError:
		return "ERROR"
	case EventClose:
		return "CLOSE"
	case EventDrain:
		return "DRAIN"
	case EventConnection:
		return "CONNECTION"
	case EventTimeout:
		return "TIMEOUT"
	case EventLookup:
		return "LOOKUP"
	case EventSession:
		return "SESSION"
	case EventKeylog:
		return "KEYLOG"
	case EventOCSP:
		return "OCSP"
	}
	return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
}

// ListeningPayload is the CONNECTION payload a listener emits once it is
// bound. Any other CONNECTION payload is the decimal id of an accepted child.
const ListeningPayload = "listening"

// Handler receives events for a single connection id. Exactly one handler is
// registered per id at a time; events for one id never arrive concurrently.
type Handler interface {
	OnEvent(t EventType, payload []byte)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(t EventType, payload []byte)

func (f HandlerFunc) OnEvent(t EventType, payload []byte) { f(t, payload) }

// EventFunc is the engine-side callback. The engine invokes it from its own
// worker goroutines; events for a single id are delivered in order and never
// concurrently with each other.
type EventFunc func(id ConnID, t EventType, payload []byte)

// SecureContextID identifies a reusable TLS configuration held by the engine.
type SecureContextID uint32

// Engine is the command surface of the transport engine. All connection
// commands are fire-and-forget: failures surface later as ERROR events, not
// as return values. Address queries are the only synchronous reads.
type Engine interface {
	// Sockets.
	CreateSocket() ConnID
	Connect(id ConnID, host string, port int)
	ConnectTLS(id ConnID, host string, port int, opts TLSOptions)
	ConnectUnix(id ConnID, path string)
	ConnectUnixTLS(id ConnID, path string, opts TLSOptions)
	Write(id ConnID, p []byte)
	Pause(id ConnID)
	Resume(id ConnID)
	Shutdown(id ConnID)
	SetNoDelay(id ConnID, enable bool)
	SetKeepAlive(id ConnID, enable bool, delayMs uint64)
	SetTimeout(id ConnID, timeoutMs uint64)
	LocalAddr(id ConnID) string
	RemoteAddr(id ConnID) string
	DestroySocket(id ConnID)

	// Listeners.
	CreateListener() ConnID
	Listen(id ConnID, opts ListenOptions)
	ListenUnix(id ConnID, path string, backlog int, secureContext SecureContextID)
	ListenHandle(id ConnID, fd uintptr, backlog int)
	SetMaxConnections(id ConnID, n int)
	ListenerAddr(id ConnID) string
	CloseListener(id ConnID)
	DestroyListener(id ConnID)

	// Secure contexts.
	NewSecureContext(opts SecureContextOptions) (SecureContextID, error)
	AddCA(sc SecureContextID, caPEM []byte) error
	AddHostCert(sc SecureContextID, hostname string, certPEM, keyPEM []byte) error
	SetOCSPResponse(sc SecureContextID, der []byte)
	TicketKeys(sc SecureContextID) []byte
	SetTicketKeys(sc SecureContextID, keys []byte) error
}
