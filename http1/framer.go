// Package http1 contains an incremental HTTP/1.1 message framer and the
// matching wire encoder. The framer consumes raw bytes as they arrive from a
// stream adapter and emits header, body-chunk and message-complete events;
// it holds no reference to the transport and never blocks.
package http1

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/ozontech/netmux/consts"
	"github.com/ozontech/netmux/metrics"
)

// Mode selects the grammar of the inbound byte stream.
type Mode int

const (
	ModeRequest  Mode = iota // parsing requests (server side)
	ModeResponse             // parsing responses (client side)
)

// Message is a parsed header block. Request fields are set in ModeRequest,
// status fields in ModeResponse.
type Message struct {
	Method string
	Target string

	StatusCode int
	Reason     string

	Proto   string // "HTTP/1.1" or "HTTP/1.0"
	Headers *Headers

	// ContentLength is the declared fixed body length, -1 when absent.
	ContentLength int64
	// Chunked is set when Transfer-Encoding: chunked framing applies.
	Chunked bool
	// IsConnect marks a CONNECT request, or a successful response to one.
	IsConnect bool
	// IsUpgrade marks an upgrade request or a 101 response.
	IsUpgrade bool
	// KeepAlive reports whether the connection may carry another message
	// after this one completes.
	KeepAlive bool
}

// Events receives framing results. Callbacks run synchronously inside Feed;
// byte slices passed to OnBodyChunk are only valid for the duration of the
// callback.
type Events interface {
	// OnHeaders reports a complete final header block.
	OnHeaders(msg *Message)
	// OnInformational reports an interim 1xx response (excluding 101).
	// A 100 status is the trigger to flush a queued request body.
	OnInformational(msg *Message)
	OnBodyChunk(p []byte)
	// OnMessageComplete ends the message; trailers is nil unless a chunked
	// body carried a trailer section.
	OnMessageComplete(trailers *Headers)
}

// ParseError terminates a framing session. The owning connection must be
// destroyed; buffered but undelivered body bytes are discarded.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "http1: " + e.Reason }

func parseErrorf(reason string) error {
	metrics.ParseErrors.Inc()
	return &ParseError{Reason: reason}
}

type phase int

const (
	phaseAwaitingHeaders phase = iota
	phaseBodyFixed
	phaseChunkSize
	phaseChunkData
	phaseChunkDataCRLF
	phaseTrailer
	phaseBodyUntilClose
	phaseRetired
)

// Framer is the per-direction incremental state machine. It is bound 1:1 to
// one stream adapter and is not safe for concurrent use; the per-connection
// event ordering guarantee makes that unnecessary.
type Framer struct {
	mode   Mode
	events Events

	buf   []byte
	phase phase

	msg       *Message
	remaining int64
	trailers  *Headers

	// reqMethod is the client-side hint needed to frame a response: HEAD
	// responses carry no body, 2xx to CONNECT opens a tunnel.
	reqMethod string

	failed error
}

func NewFramer(mode Mode, events Events) *Framer {
	return &Framer{mode: mode, events: events}
}

// SetRequestMethod tells a response framer which request the next response
// answers. Required for HEAD (headers only) and CONNECT (tunnel) semantics.
func (f *Framer) SetRequestMethod(method string) {
	f.reqMethod = strings.ToUpper(method)
}

// Retired reports that framing has terminated: the last message disallowed
// keep-alive, or a CONNECT/101 handed the raw stream over to the caller.
func (f *Framer) Retired() bool { return f.phase == phaseRetired }

// Detach returns the bytes received but not consumed as HTTP, and empties
// the framer. After CONNECT or a 101 response these belong to the tunnel.
func (f *Framer) Detach() []byte {
	rest := f.buf
	f.buf = nil
	return rest
}

// CloseEOF signals that the peer closed its write side. A response body
// framed by connection close is completed by it; anything else mid-message
// is a truncation error.
func (f *Framer) CloseEOF() error {
	switch f.phase {
	case phaseBodyUntilClose:
		f.finishMessage()
		return nil
	case phaseAwaitingHeaders:
		if len(f.buf) != 0 {
			return parseErrorf("connection closed mid-header")
		}
		return nil
	case phaseRetired:
		return nil
	default:
		return parseErrorf("connection closed mid-body")
	}
}

// Feed appends p to the internal buffer and runs the state machine until no
// further progress is possible. A zero-length p drains previously buffered
// data. One call may complete several pipelined messages. The pass count is
// bounded; exceeding the bound is a parse error, never an endless loop.
func (f *Framer) Feed(p []byte) error {
	if f.failed != nil {
		return f.failed
	}
	if len(p) > 0 {
		f.buf = append(f.buf, p...)
	}
	if f.phase == phaseRetired {
		// The caller owns the raw stream now; hold bytes for Detach only.
		return nil
	}

	// The stall counter guards against a pathological state that keeps
	// reporting progress without consuming input; passes that shrink the
	// buffer reset it, so large legitimate messages are not penalized.
	stalled := 0
	lastLen := len(f.buf)
	for {
		progressed, err := f.step()
		if err != nil {
			f.failed = err
			f.buf = nil
			return err
		}
		if !progressed {
			return nil
		}
		if f.phase == phaseRetired {
			return nil
		}
		if len(f.buf) < lastLen {
			lastLen = len(f.buf)
			stalled = 0
			continue
		}
		stalled++
		if stalled >= consts.FeedIterationLimit {
			f.failed = parseErrorf("feed iteration limit exceeded")
			f.buf = nil
			return f.failed
		}
	}
}

func (f *Framer) step() (bool, error) {
	switch f.phase {
	case phaseAwaitingHeaders:
		return f.stepHeaders()
	case phaseBodyFixed:
		return f.stepFixed()
	case phaseChunkSize:
		return f.stepChunkSize()
	case phaseChunkData:
		return f.stepChunkData()
	case phaseChunkDataCRLF:
		return f.stepChunkDataCRLF()
	case phaseTrailer:
		return f.stepTrailer()
	case phaseBodyUntilClose:
		if len(f.buf) == 0 {
			return false, nil
		}
		f.events.OnBodyChunk(f.buf)
		f.buf = f.buf[:0]
		return false, nil
	}
	return false, nil
}

func (f *Framer) stepHeaders() (bool, error) {
	// Robustness: skip empty lines between messages.
	for len(f.buf) >= 2 && f.buf[0] == '\r' && f.buf[1] == '\n' {
		f.buf = f.buf[2:]
	}
	if len(f.buf) == 0 {
		return false, nil
	}

	end := bytes.Index(f.buf, []byte("\r\n\r\n"))
	if end < 0 {
		if len(f.buf) > consts.DefaultMaxHeaderBytes {
			return false, parseErrorf("header block exceeds limit")
		}
		return false, nil
	}

	head := f.buf[:end]
	f.buf = f.buf[end+4:]

	msg, err := f.parseHead(head)
	if err != nil {
		return false, err
	}

	if f.mode == ModeResponse && msg.StatusCode >= 100 && msg.StatusCode < 200 && msg.StatusCode != 101 {
		f.events.OnInformational(msg)
		return true, nil
	}

	f.msg = msg
	f.events.OnHeaders(msg)

	// CONNECT (both directions) and 101 terminate HTTP framing: whatever
	// follows is tunnel payload and must not be parsed.
	if msg.IsConnect && (f.mode == ModeRequest || msg.StatusCode/100 == 2) {
		f.phase = phaseRetired
		return true, nil
	}
	if f.mode == ModeResponse && msg.StatusCode == 101 {
		f.phase = phaseRetired
		return true, nil
	}

	switch {
	case !f.bodyAllowed(msg):
		f.finishMessage()
	case msg.Chunked:
		f.phase = phaseChunkSize
	case msg.ContentLength > 0:
		f.phase = phaseBodyFixed
		f.remaining = msg.ContentLength
	case msg.ContentLength == 0:
		f.finishMessage()
	case f.mode == ModeResponse:
		// Neither framing header in a response: body runs until close.
		msg.KeepAlive = false
		f.phase = phaseBodyUntilClose
	default:
		// Request without framing headers has no body.
		f.finishMessage()
	}
	return true, nil
}

func (f *Framer) bodyAllowed(msg *Message) bool {
	if f.mode == ModeRequest {
		return true
	}
	if f.reqMethod == "HEAD" {
		return false
	}
	return msg.StatusCode != 204 && msg.StatusCode != 304
}

func (f *Framer) stepFixed() (bool, error) {
	if len(f.buf) == 0 {
		return false, nil
	}
	n := int64(len(f.buf))
	if n > f.remaining {
		n = f.remaining
	}
	f.events.OnBodyChunk(f.buf[:n])
	f.buf = f.buf[n:]
	f.remaining -= n
	if f.remaining == 0 {
		f.finishMessage()
	}
	return true, nil
}

func (f *Framer) stepChunkSize() (bool, error) {
	line, rest, ok := cutLine(f.buf)
	if !ok {
		if len(f.buf) > 1024 {
			return false, parseErrorf("chunk size line exceeds limit")
		}
		return false, nil
	}
	f.buf = rest

	// Anything after ';' is a chunk extension and is skipped.
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false, parseErrorf("empty chunk size line")
	}
	size, err := strconv.ParseUint(string(line), 16, 64)
	if err != nil || size > consts.DefaultMaxChunkSize {
		return false, parseErrorf("malformed chunk size " + strconv.Quote(string(line)))
	}

	if size == 0 {
		f.phase = phaseTrailer
		return true, nil
	}
	f.phase = phaseChunkData
	f.remaining = int64(size)
	return true, nil
}

func (f *Framer) stepChunkData() (bool, error) {
	if len(f.buf) == 0 {
		return false, nil
	}
	n := int64(len(f.buf))
	if n > f.remaining {
		n = f.remaining
	}
	f.events.OnBodyChunk(f.buf[:n])
	f.buf = f.buf[n:]
	f.remaining -= n
	if f.remaining == 0 {
		f.phase = phaseChunkDataCRLF
	}
	return true, nil
}

func (f *Framer) stepChunkDataCRLF() (bool, error) {
	if len(f.buf) < 2 {
		return false, nil
	}
	if f.buf[0] != '\r' || f.buf[1] != '\n' {
		return false, parseErrorf("missing CRLF after chunk data")
	}
	f.buf = f.buf[2:]
	f.phase = phaseChunkSize
	return true, nil
}

func (f *Framer) stepTrailer() (bool, error) {
	line, rest, ok := cutLine(f.buf)
	if !ok {
		if len(f.buf) > consts.DefaultMaxHeaderBytes {
			return false, parseErrorf("trailer block exceeds limit")
		}
		return false, nil
	}
	f.buf = rest

	if len(line) == 0 {
		f.finishMessage()
		return true, nil
	}

	if f.trailers == nil {
		f.trailers = NewHeaders()
	}
	name, value, err := parseHeaderLine(line)
	if err != nil {
		return false, err
	}
	f.trailers.Add(name, value)
	return true, nil
}

func (f *Framer) finishMessage() {
	trailers := f.trailers
	keepAlive := f.msg != nil && f.msg.KeepAlive

	f.trailers = nil
	f.msg = nil
	f.remaining = 0

	f.events.OnMessageComplete(trailers)

	if keepAlive {
		f.phase = phaseAwaitingHeaders
	} else {
		f.phase = phaseRetired
	}
}

func (f *Framer) parseHead(head []byte) (*Message, error) {
	line, rest, ok := cutLine(head)
	if !ok {
		line, rest = head, nil
	}

	msg := &Message{Headers: NewHeaders(), ContentLength: -1}
	var err error
	if f.mode == ModeRequest {
		err = parseRequestLine(line, msg)
	} else {
		err = parseStatusLine(line, msg)
	}
	if err != nil {
		return nil, err
	}

	for len(rest) > 0 {
		line, rest, ok = cutLine(rest)
		if !ok {
			line, rest = rest, nil
		}
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, parseErrorf("obsolete header line folding")
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		msg.Headers.Add(name, value)
	}

	if err := f.deriveFraming(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (f *Framer) deriveFraming(msg *Message) error {
	if cl, ok := msg.Headers.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return parseErrorf("malformed Content-Length " + strconv.Quote(cl))
		}
		for _, other := range msg.Headers.Values("Content-Length") {
			if strings.TrimSpace(other) != strings.TrimSpace(cl) {
				return parseErrorf("conflicting Content-Length headers")
			}
		}
		msg.ContentLength = n
	}

	if te, ok := msg.Headers.Get("Transfer-Encoding"); ok {
		if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			return parseErrorf("unsupported Transfer-Encoding " + strconv.Quote(te))
		}
		// Chunked framing wins over any declared length.
		msg.Chunked = true
		msg.ContentLength = -1
	}

	if f.mode == ModeRequest {
		msg.IsConnect = msg.Method == "CONNECT"
		_, hasUpgrade := msg.Headers.Get("Upgrade")
		msg.IsUpgrade = hasUpgrade && msg.Headers.HasToken("Connection", "upgrade")
	} else {
		msg.IsConnect = f.reqMethod == "CONNECT" && msg.StatusCode/100 == 2
		msg.IsUpgrade = msg.StatusCode == 101
	}

	// Keep-alive: header presence combined with the protocol version default.
	if msg.Proto == "HTTP/1.0" {
		msg.KeepAlive = msg.Headers.HasToken("Connection", "keep-alive")
	} else {
		msg.KeepAlive = !msg.Headers.HasToken("Connection", "close")
	}
	return nil
}

func parseRequestLine(line []byte, msg *Message) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return parseErrorf("malformed request line " + strconv.Quote(string(line)))
	}
	method, target, proto := string(parts[0]), string(parts[1]), string(parts[2])
	if !validMethod(method) {
		return parseErrorf("malformed method " + strconv.Quote(method))
	}
	if err := checkProto(proto); err != nil {
		return err
	}
	msg.Method = method
	msg.Target = target
	msg.Proto = proto
	return nil
}

func parseStatusLine(line []byte, msg *Message) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return parseErrorf("malformed status line " + strconv.Quote(string(line)))
	}
	proto := string(parts[0])
	if err := checkProto(proto); err != nil {
		return err
	}
	code, err := strconv.Atoi(string(parts[1]))
	if err != nil || code < 100 || code > 999 {
		return parseErrorf("malformed status code " + strconv.Quote(string(parts[1])))
	}
	msg.Proto = proto
	msg.StatusCode = code
	if len(parts) == 3 {
		msg.Reason = string(parts[2])
	}
	return nil
}

func parseHeaderLine(line []byte) (string, string, error) {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return "", "", parseErrorf("malformed header line " + strconv.Quote(string(line)))
	}
	name := string(line[:i])
	if !httpguts.ValidHeaderFieldName(name) {
		return "", "", parseErrorf("malformed header name " + strconv.Quote(name))
	}
	value := strings.Trim(string(line[i+1:]), " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return "", "", parseErrorf("malformed header value for " + strconv.Quote(name))
	}
	return name, value, nil
}

func validMethod(m string) bool {
	if len(m) == 0 {
		return false
	}
	for i := 0; i < len(m); i++ {
		if !httpguts.IsTokenRune(rune(m[i])) {
			return false
		}
	}
	return true
}

func checkProto(p string) error {
	if p != "HTTP/1.1" && p != "HTTP/1.0" {
		return parseErrorf("unsupported protocol " + strconv.Quote(p))
	}
	return nil
}

// cutLine splits buf at the first CRLF. ok is false when no full line is
// buffered yet.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.Index(buf, []byte("\r\n"))
	if i < 0 {
		return nil, buf, false
	}
	return buf[:i], buf[i+2:], true
}
