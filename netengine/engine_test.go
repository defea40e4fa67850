package netengine

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozontech/netmux/transport"
)

type event struct {
	id      transport.ConnID
	t       transport.EventType
	payload string
}

// collector funnels engine events into a channel. Payloads are copied into
// strings immediately: DATA buffers are reused after dispatch returns.
func collector() (transport.EventFunc, chan event) {
	ch := make(chan event, 256)
	return func(id transport.ConnID, t transport.EventType, payload []byte) {
		ch <- event{id: id, t: t, payload: string(payload)}
	}, ch
}

// waitFor consumes events until one matches id and type; unrelated events in
// between are skipped, an ERROR or CLOSE for the same id fails fast.
func waitFor(t *testing.T, ch chan event, id transport.ConnID, want transport.EventType) event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.id != id {
				continue
			}
			if ev.t == want {
				return ev
			}
			if ev.t == transport.EventError || ev.t == transport.EventClose {
				t.Fatalf("waiting for %v, got %v %q", want, ev.t, ev.payload)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v on id %v", want, id)
		}
	}
}

// collectData gathers DATA payloads for id until total bytes are received.
func collectData(t *testing.T, ch chan event, id transport.ConnID, total int) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var got []byte
	for len(got) < total {
		select {
		case ev := <-ch:
			if ev.id == id && ev.t == transport.EventData {
				got = append(got, ev.payload...)
			}
		case <-deadline:
			t.Fatalf("timed out collecting data, have %q", got)
		}
	}
	return string(got)
}

// echoServer accepts one connection and echoes it until EOF.
func echoServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(conn, conn)
		_ = conn.Close()
	}()
	return ln.Addr().(*net.TCPAddr)
}

func TestConnectWriteEcho(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	addr := echoServer(t)

	emit, events := collector()
	eng := New(emit)
	defer eng.Close() //nolint:errcheck

	id := eng.CreateSocket()
	eng.Connect(id, "127.0.0.1", addr.Port)

	lookup := waitFor(t, events, id, transport.EventLookup)
	a.Contains(lookup.payload, strconv.Itoa(addr.Port))
	waitFor(t, events, id, transport.EventConnect)
	a.NotEmpty(eng.LocalAddr(id))
	a.NotEmpty(eng.RemoteAddr(id))

	eng.Write(id, []byte("ping"))

	// DRAIN (queue flushed) and DATA (echo) arrive in either order.
	var got []byte
	var drained bool
	deadline := time.After(5 * time.Second)
	for len(got) < 4 || !drained {
		select {
		case ev := <-events:
			if ev.id != id {
				continue
			}
			switch ev.t {
			case transport.EventData:
				got = append(got, ev.payload...)
			case transport.EventDrain:
				drained = true
			}
		case <-deadline:
			t.Fatalf("timed out, data %q drained %v", got, drained)
		}
	}
	a.Equal("ping", string(got))

	// Half-close: the echo server sees EOF, closes, CLOSE comes back.
	eng.Shutdown(id)
	waitFor(t, events, id, transport.EventClose)
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// Grab a port and free it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	emit, events := collector()
	eng := New(emit)
	defer eng.Close() //nolint:errcheck

	id := eng.CreateSocket()
	eng.Connect(id, "127.0.0.1", port)

	deadline := time.After(5 * time.Second)
	var sawError bool
	for {
		select {
		case ev := <-events:
			if ev.id != id {
				continue
			}
			switch ev.t {
			case transport.EventError:
				sawError = true
				a.NotEmpty(ev.payload)
			case transport.EventClose:
				a.True(sawError, "ERROR must precede CLOSE")
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for failure events")
		}
	}
}

func TestListenerAcceptAndChildIO(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	emit, events := collector()
	eng := New(emit)
	defer eng.Close() //nolint:errcheck

	lid := eng.CreateListener()
	eng.Listen(lid, transport.ListenOptions{Port: 0})

	bound := waitFor(t, events, lid, transport.EventConnection)
	a.Equal(transport.ListeningPayload, bound.payload)

	_, portStr, err := net.SplitHostPort(eng.ListenerAddr(lid))
	require.NoError(t, err)

	client, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", portStr))
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck

	accepted := waitFor(t, events, lid, transport.EventConnection)
	childID, err := strconv.ParseUint(accepted.payload, 10, 32)
	require.NoError(t, err)
	child := transport.ConnID(childID)

	// Children start paused; nothing is read until the owner resumes.
	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	eng.Resume(child)
	a.Equal("hello", collectData(t, events, child, 5))

	eng.Write(child, []byte("world"))
	reply := make([]byte, 5)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	a.Equal("world", string(reply))

	// Client hangup tears the child down.
	require.NoError(t, client.Close())
	waitFor(t, events, child, transport.EventClose)

	eng.DestroyListener(lid)
	waitFor(t, events, lid, transport.EventClose)
}

func TestListenBindFailure(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close() //nolint:errcheck
	port := taken.Addr().(*net.TCPAddr).Port

	emit, events := collector()
	eng := New(emit)
	defer eng.Close() //nolint:errcheck

	lid := eng.CreateListener()
	eng.Listen(lid, transport.ListenOptions{Port: port, ReusePort: false})

	deadline := time.After(5 * time.Second)
	var sawError bool
	for {
		select {
		case ev := <-events:
			if ev.id != lid {
				continue
			}
			switch ev.t {
			case transport.EventError:
				sawError = true
				a.NotEmpty(ev.payload)
			case transport.EventClose:
				a.True(sawError)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for bind failure")
		}
	}
}

func TestTimeoutEventIsAdvisory(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	addr := echoServer(t)

	emit, events := collector()
	eng := New(emit)
	defer eng.Close() //nolint:errcheck

	id := eng.CreateSocket()
	eng.Connect(id, "127.0.0.1", addr.Port)
	waitFor(t, events, id, transport.EventConnect)

	eng.SetTimeout(id, 50)
	waitFor(t, events, id, transport.EventTimeout)

	// The connection survives the timer: traffic still flows.
	eng.SetTimeout(id, 0)
	eng.Write(id, []byte("still here"))
	a.Equal("still here", collectData(t, events, id, 10))
}

func TestConnectPrecedesFirstData(t *testing.T) {
	t.Parallel()

	// The server pushes a banner the instant it accepts, so its bytes are
	// already buffered on the client side when the dial returns.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte("banner"))
			_ = conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	emit, events := collector()
	eng := New(emit)
	defer eng.Close() //nolint:errcheck

	for i := 0; i < 50; i++ {
		id := eng.CreateSocket()
		eng.Connect(id, "127.0.0.1", port)

		var seq []transport.EventType
		deadline := time.After(5 * time.Second)
	collect:
		for {
			select {
			case ev := <-events:
				if ev.id != id {
					continue
				}
				seq = append(seq, ev.t)
				if ev.t == transport.EventClose {
					break collect
				}
			case <-deadline:
				t.Fatalf("timed out, events so far %v", seq)
			}
		}

		connectAt, dataAt := -1, -1
		for j, et := range seq {
			if et == transport.EventConnect && connectAt < 0 {
				connectAt = j
			}
			if et == transport.EventData && dataAt < 0 {
				dataAt = j
			}
		}
		require.GreaterOrEqual(t, connectAt, 0, "no CONNECT in %v", seq)
		require.GreaterOrEqual(t, dataAt, 0, "no DATA in %v", seq)
		require.Less(t, connectAt, dataAt, "DATA before CONNECT in %v", seq)
	}
}

func TestDestroyNeverConnectedSocket(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	emit, events := collector()
	eng := New(emit)

	id := eng.CreateSocket()
	eng.DestroySocket(id)
	ev := waitFor(t, events, id, transport.EventClose)
	a.Equal("", ev.payload)

	// Commands against the destroyed id are ignored.
	eng.Write(id, []byte("x"))
	a.Equal("", eng.RemoteAddr(id))
}
