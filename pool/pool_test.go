package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ozontech/netmux/netengine"
	"github.com/ozontech/netmux/registry"
	"github.com/ozontech/netmux/stream"
)

// testHarness builds adapters against a real engine; the sockets are never
// dialed, which is all the pool bookkeeping needs.
type testHarness struct {
	pool       *Pool
	newAdapter func() *stream.Adapter
}

func newHarness(t *testing.T, conf Config) *testHarness {
	t.Helper()
	log := zap.NewNop()
	reg := registry.New(log)
	eng := netengine.New(reg.EventFunc())
	return &testHarness{
		pool: New(conf, log),
		newAdapter: func() *stream.Adapter {
			return stream.New(eng, reg, log, stream.NopSink{})
		},
	}
}

func smallConfig() Config {
	return Config{PerKeyCap: 2, GlobalCap: 16, PerKeyFreeCap: 2, Policy: PolicyLIFO}
}

// recvGrant fails the test if the waiter is not granted promptly.
func recvGrant(t *testing.T, w *Waiter) Grant {
	t.Helper()
	select {
	case g := <-w.Done():
		return g
	case <-time.After(time.Second):
		t.Fatal("waiter not granted")
		return Grant{}
	}
}

func TestMakeKeyFoldsHostCase(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	a.Equal(MakeKey("EXAMPLE.com", 80, "", ""), MakeKey("example.COM", 80, "", ""))
	a.NotEqual(MakeKey("example.com", 80, "", ""), MakeKey("example.com", 81, "", ""))
}

func TestAcquireNewAttachRelease(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	h := newHarness(t, smallConfig())
	key := MakeKey("example.com", 80, "", "")

	grant, w := h.pool.Acquire(key)
	a.Nil(w)
	a.True(grant.New)
	a.Nil(grant.Adapter)
	a.Equal(Stats{Active: 1}, h.pool.Stats())

	ad := h.newAdapter()
	h.pool.Attach(key, ad)
	a.Equal(Stats{Active: 1}, h.pool.Stats())

	h.pool.Release(key, ad, true)
	a.Equal(Stats{Free: 1}, h.pool.Stats())

	// The idle connection is reused, not a new slot.
	grant, w = h.pool.Acquire(key)
	a.Nil(w)
	a.False(grant.New)
	a.Same(ad, grant.Adapter)
	a.Equal(Stats{Active: 1}, h.pool.Stats())
}

func TestAttachWithoutGrantIsCounted(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	h := newHarness(t, smallConfig())
	key := MakeKey("example.com", 80, "", "")

	// No Acquire happened; the adapter still becomes a tracked active lease.
	ad := h.newAdapter()
	h.pool.Attach(key, ad)
	a.Equal(Stats{Active: 1}, h.pool.Stats())
	a.Equal(Stats{Active: 1}, h.pool.StatsForKey(key))

	h.pool.Release(key, ad, true)
	a.Equal(Stats{Free: 1}, h.pool.Stats())
}

func TestWaiterGetsReleasedConnection(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	conf := smallConfig()
	conf.PerKeyCap = 1
	h := newHarness(t, conf)
	key := MakeKey("example.com", 80, "", "")

	grant, w := h.pool.Acquire(key)
	require.Nil(t, w)
	require.True(t, grant.New)
	ad := h.newAdapter()
	h.pool.Attach(key, ad)

	_, w = h.pool.Acquire(key)
	require.NotNil(t, w)
	a.Equal(Stats{Active: 1, Waiters: 1}, h.pool.Stats())

	h.pool.Release(key, ad, true)
	got := recvGrant(t, w)
	a.False(got.New)
	a.Same(ad, got.Adapter)
	// Handoff keeps the adapter leased; nothing went idle.
	a.Equal(Stats{Active: 1}, h.pool.Stats())
}

func TestPerKeyCapQueuesThird(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	h := newHarness(t, smallConfig())
	key := MakeKey("example.com", 80, "", "")

	g1, w1 := h.pool.Acquire(key)
	g2, w2 := h.pool.Acquire(key)
	require.Nil(t, w1)
	require.Nil(t, w2)
	a.True(g1.New)
	a.True(g2.New)

	_, w3 := h.pool.Acquire(key)
	require.NotNil(t, w3)

	a1, a2 := h.newAdapter(), h.newAdapter()
	h.pool.Attach(key, a1)
	h.pool.Attach(key, a2)

	h.pool.Release(key, a1, true)
	got := recvGrant(t, w3)
	a.Same(a1, got.Adapter)
}

func TestCancelRemovesFromAnyPosition(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	conf := smallConfig()
	conf.PerKeyCap = 1
	h := newHarness(t, conf)
	key := MakeKey("example.com", 80, "", "")

	_, _ = h.pool.Acquire(key)
	ad := h.newAdapter()
	h.pool.Attach(key, ad)

	_, w1 := h.pool.Acquire(key)
	_, w2 := h.pool.Acquire(key)
	_, w3 := h.pool.Acquire(key)
	a.Equal(3, h.pool.StatsForKey(key).Waiters)

	// Middle of the queue.
	a.True(w2.Cancel())
	a.False(w2.Cancel())
	a.Equal(2, h.pool.StatsForKey(key).Waiters)

	h.pool.Release(key, ad, true)
	got := recvGrant(t, w1)
	a.Same(ad, got.Adapter)

	h.pool.Release(key, ad, true)
	got = recvGrant(t, w3)
	a.Same(ad, got.Adapter)
}

func TestCancelAfterGrantFails(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	conf := smallConfig()
	conf.PerKeyCap = 1
	h := newHarness(t, conf)
	key := MakeKey("example.com", 80, "", "")

	_, _ = h.pool.Acquire(key)
	_, w := h.pool.Acquire(key)
	require.NotNil(t, w)

	// The failed dial hands the reservation to the waiter as a New grant.
	h.pool.Abort(key)
	got := recvGrant(t, w)
	a.True(got.New)

	// Too late to cancel; the caller owns the slot now.
	a.False(w.Cancel())
	a.Equal(Stats{Active: 1}, h.pool.Stats())
}

func TestAbortWithoutWaiterFreesSlot(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	h := newHarness(t, smallConfig())
	key := MakeKey("example.com", 80, "", "")

	grant, _ := h.pool.Acquire(key)
	require.True(t, grant.New)
	h.pool.Abort(key)

	a.Equal(Stats{}, h.pool.Stats())
	a.Equal(Stats{}, h.pool.StatsForKey(key))
}

func TestUnsolicitedCloseForgetsAdapter(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	h := newHarness(t, smallConfig())
	key := MakeKey("example.com", 80, "", "")

	_, _ = h.pool.Acquire(key)
	ad := h.newAdapter()
	h.pool.Attach(key, ad)

	// Retirement, not Release, drops a dead leased connection.
	ad.Destroy()
	a.Equal(Stats{}, h.pool.Stats())

	// Double destroy fires no second retirement and moves no counters.
	ad.Destroy()
	a.Equal(Stats{}, h.pool.Stats())

	// A racing Release for the same adapter finds nothing and is a no-op.
	h.pool.Release(key, ad, true)
	a.Equal(Stats{}, h.pool.Stats())
}

func TestDeadIdleConnectionRemoved(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	h := newHarness(t, smallConfig())
	key := MakeKey("example.com", 80, "", "")

	_, _ = h.pool.Acquire(key)
	ad := h.newAdapter()
	h.pool.Attach(key, ad)
	h.pool.Release(key, ad, true)
	a.Equal(Stats{Free: 1}, h.pool.Stats())

	ad.Destroy()
	a.Equal(Stats{}, h.pool.Stats())

	// The next acquire must dial fresh, not hand out the dead adapter.
	grant, w := h.pool.Acquire(key)
	a.Nil(w)
	a.True(grant.New)
}

func TestCloseFreesWaiterPromotion(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	conf := smallConfig()
	conf.PerKeyCap = 1
	h := newHarness(t, conf)
	key := MakeKey("example.com", 80, "", "")

	_, _ = h.pool.Acquire(key)
	ad := h.newAdapter()
	h.pool.Attach(key, ad)
	_, w := h.pool.Acquire(key)
	require.NotNil(t, w)

	// Death of the leased connection opens capacity: the waiter dials fresh.
	ad.Destroy()
	got := recvGrant(t, w)
	a.True(got.New)
	a.Equal(Stats{Active: 1}, h.pool.Stats())
}

func TestGlobalCapHandoffAcrossKeys(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	conf := smallConfig()
	conf.GlobalCap = 1
	h := newHarness(t, conf)
	k1 := MakeKey("one.example.com", 80, "", "")
	k2 := MakeKey("two.example.com", 80, "", "")

	grant, _ := h.pool.Acquire(k1)
	require.True(t, grant.New)
	ad := h.newAdapter()
	h.pool.Attach(k1, ad)

	_, w := h.pool.Acquire(k2)
	require.NotNil(t, w)

	// Freed global capacity must reach the waiter queued under another key.
	h.pool.Release(k1, ad, false)
	got := recvGrant(t, w)
	a.True(got.New)
	a.Equal(Stats{Active: 1}, h.pool.Stats())
}

func TestReleaseWithoutKeepAliveDestroys(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	h := newHarness(t, smallConfig())
	key := MakeKey("example.com", 80, "", "")

	_, _ = h.pool.Acquire(key)
	ad := h.newAdapter()
	h.pool.Attach(key, ad)

	h.pool.Release(key, ad, false)
	a.Equal(Stats{}, h.pool.Stats())

	retired := false
	ad.OnRetire(func(error) { retired = true })
	a.True(retired)
}

func TestFreeListCapOverflowCloses(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	conf := smallConfig()
	conf.PerKeyFreeCap = 1
	h := newHarness(t, conf)
	key := MakeKey("example.com", 80, "", "")

	_, _ = h.pool.Acquire(key)
	_, _ = h.pool.Acquire(key)
	a1, a2 := h.newAdapter(), h.newAdapter()
	h.pool.Attach(key, a1)
	h.pool.Attach(key, a2)

	h.pool.Release(key, a1, true)
	h.pool.Release(key, a2, true)
	a.Equal(Stats{Free: 1}, h.pool.Stats())

	retired := false
	a2.OnRetire(func(error) { retired = true })
	a.True(retired)
}

func TestFreeListPolicy(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, policy Policy) (first, a1, a2 *stream.Adapter) {
		t.Helper()
		conf := smallConfig()
		conf.Policy = policy
		h := newHarness(t, conf)
		key := MakeKey("example.com", 80, "", "")

		_, _ = h.pool.Acquire(key)
		_, _ = h.pool.Acquire(key)
		a1, a2 = h.newAdapter(), h.newAdapter()
		h.pool.Attach(key, a1)
		h.pool.Attach(key, a2)
		h.pool.Release(key, a1, true)
		h.pool.Release(key, a2, true)

		grant, _ := h.pool.Acquire(key)
		return grant.Adapter, a1, a2
	}

	t.Run("lifo", func(t *testing.T) {
		t.Parallel()
		got, _, a2 := run(t, PolicyLIFO)
		assert.Same(t, a2, got)
	})
	t.Run("fifo", func(t *testing.T) {
		t.Parallel()
		got, a1, _ := run(t, PolicyFIFO)
		assert.Same(t, a1, got)
	})
}
