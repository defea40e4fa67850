package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ozontech/netmux/registry"
	"github.com/ozontech/netmux/transport"
)

func newTestListener(t *testing.T) (*fakeEngine, *registry.Registry, *Listener, *[]transport.ConnID) {
	t.Helper()
	eng := &fakeEngine{}
	reg := registry.New(zap.NewNop())
	accepted := &[]transport.ConnID{}
	ln := NewListener(eng, reg, zap.NewNop(), func(child transport.ConnID) {
		*accepted = append(*accepted, child)
	})
	return eng, reg, ln, accepted
}

func TestListenerBoundAndAccept(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	_, reg, ln, accepted := newTestListener(t)

	bound := false
	ln.OnBound(func() { bound = true })

	reg.Dispatch(ln.ID(), transport.EventConnection, []byte(transport.ListeningPayload))
	a.True(bound)
	a.Empty(*accepted)

	reg.Dispatch(ln.ID(), transport.EventConnection, []byte("7"))
	reg.Dispatch(ln.ID(), transport.EventConnection, []byte("12"))
	a.Equal([]transport.ConnID{7, 12}, *accepted)

	// Malformed child ids are logged and dropped, never dispatched.
	reg.Dispatch(ln.ID(), transport.EventConnection, []byte("not-a-number"))
	a.Equal([]transport.ConnID{7, 12}, *accepted)
}

func TestListenerErrorCallback(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	_, reg, ln, _ := newTestListener(t)

	var got string
	ln.OnError(func(err error) { got = err.Error() })

	reg.Dispatch(ln.ID(), transport.EventError, []byte("bind: address already in use"))
	a.Equal("bind: address already in use", got)
}

func TestListenerCloseDestroys(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	eng, reg, ln, _ := newTestListener(t)

	reg.Dispatch(ln.ID(), transport.EventClose, nil)
	a.Equal(0, reg.Len())
	a.Equal(1, eng.count("destroyListener"))

	// Destroy after the CLOSE-driven teardown is a no-op.
	ln.Destroy()
	a.Equal(1, eng.count("destroyListener"))
}

func TestListenerValidatesOptions(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	eng, _, ln, _ := newTestListener(t)

	a.Error(ln.Listen(transport.ListenOptions{Port: -1}))
	a.Zero(eng.count("listen"))

	a.NoError(ln.Listen(transport.ListenOptions{Port: 8080}))
	a.Equal(1, eng.count("listen"))
}
