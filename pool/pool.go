// Package pool reuses stream adapters across logical requests to the same
// destination. Bookkeeping is per destination key: a leased-out active set,
// an idle free list, and a FIFO queue of waiting acquisitions. Waiters are
// always served before a returning connection goes idle, so queueing latency
// is bounded regardless of the reuse policy.
package pool

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ozontech/netmux/consts"
	"github.com/ozontech/netmux/metrics"
	"github.com/ozontech/netmux/stream"
)

// Policy selects which idle connection a reusing acquire gets.
type Policy int

const (
	// PolicyLIFO pops the most recently freed connection (keeps a small hot
	// set alive and lets the rest age out).
	PolicyLIFO Policy = iota
	// PolicyFIFO pops the oldest freed connection (spreads load evenly).
	PolicyFIFO
)

// Key is the destination identity connections are pooled under. Equality is
// exact match; the only normalization applied is host lower-casing.
type Key struct {
	Host      string // host name, or unix socket path
	Port      int
	LocalAddr string
	Family    string
}

// MakeKey lower-cases host and builds a Key.
func MakeKey(host string, port int, localAddr, family string) Key {
	return Key{Host: strings.ToLower(host), Port: port, LocalAddr: localAddr, Family: family}
}

type Config struct {
	// PerKeyCap bounds active (leased + reserved) connections per key.
	PerKeyCap int
	// GlobalCap bounds active connections across all keys.
	GlobalCap int
	// PerKeyFreeCap bounds the idle free list per key.
	PerKeyFreeCap int
	Policy        Policy
}

func DefaultConfig() Config {
	return Config{
		PerKeyCap:     consts.DefaultPerKeyCap,
		GlobalCap:     consts.DefaultGlobalCap,
		PerKeyFreeCap: consts.DefaultPerKeyFreeCap,
		Policy:        PolicyLIFO,
	}
}

// Grant is the result of an acquisition. Either Adapter is a pooled
// connection ready for reuse, or New is set and the caller must establish a
// connection and hand it to Attach (or give the slot back with Abort).
type Grant struct {
	Adapter *stream.Adapter
	New     bool
}

// Waiter is a queued acquisition. The grant arrives on Done; Cancel removes
// the waiter from the queue (any position) if it has not been granted yet.
type Waiter struct {
	pool    *Pool
	key     Key
	ch      chan Grant
	granted bool // guarded by the pool mutex
}

func (w *Waiter) Done() <-chan Grant { return w.ch }

// Cancel removes the waiter from its queue; see Pool.Cancel.
func (w *Waiter) Cancel() bool { return w.pool.Cancel(w) }

type entry struct {
	active   map[*stream.Adapter]struct{}
	free     []*stream.Adapter
	waiters  []*Waiter
	reserved int // acquire granted New, Attach/Abort pending
}

func (e *entry) empty() bool {
	return len(e.active) == 0 && len(e.free) == 0 && len(e.waiters) == 0 && e.reserved == 0
}

type Pool struct {
	conf Config
	log  *zap.Logger

	mu          sync.Mutex
	entries     map[Key]*entry
	totalActive int // sum of per-key active sizes plus reservations
	totalFree   int
	waiting     int
}

func New(conf Config, log *zap.Logger) *Pool {
	return &Pool{
		conf:    conf,
		log:     log.Named("pool"),
		entries: make(map[Key]*entry),
	}
}

func (p *Pool) entry(key Key) *entry {
	e := p.entries[key]
	if e == nil {
		e = &entry{active: make(map[*stream.Adapter]struct{})}
		p.entries[key] = e
	}
	return e
}

func (p *Pool) gc(key Key, e *entry) {
	if e.empty() {
		delete(p.entries, key)
	}
}

func (p *Pool) publish() {
	metrics.PoolActive.Set(float64(p.totalActive))
	metrics.PoolFree.Set(float64(p.totalFree))
	metrics.PoolWaiters.Set(float64(p.waiting))
}

// Acquire requests a connection for key. The second return is nil when the
// grant is synchronous: a reused idle connection, or New set when the caller
// holds a reserved slot and must dial. Otherwise the request is queued at
// the tail and the returned Waiter delivers the grant later.
func (p *Pool) Acquire(key Key) (Grant, *Waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entry(key)

	if n := len(e.free); n > 0 {
		var a *stream.Adapter
		if p.conf.Policy == PolicyFIFO {
			a = e.free[0]
			e.free = e.free[1:]
		} else {
			a = e.free[n-1]
			e.free = e.free[:n-1]
		}
		e.active[a] = struct{}{}
		p.totalFree--
		p.totalActive++
		p.publish()
		return Grant{Adapter: a}, nil
	}

	if len(e.active)+e.reserved < p.conf.PerKeyCap && p.totalActive < p.conf.GlobalCap {
		e.reserved++
		p.totalActive++
		p.publish()
		return Grant{New: true}, nil
	}

	w := &Waiter{pool: p, key: key, ch: make(chan Grant, 1)}
	e.waiters = append(e.waiters, w)
	p.waiting++
	p.publish()
	return Grant{}, w
}

// Cancel removes w from its queue. It reports false when the grant already
// happened (or a racing cancel won); the caller must then consume Done and
// release the connection.
func (p *Pool) Cancel(w *Waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.granted {
		return false
	}
	e := p.entries[w.key]
	if e == nil {
		return false
	}
	for i, queued := range e.waiters {
		if queued == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			w.granted = true
			p.waiting--
			p.gc(w.key, e)
			p.publish()
			return true
		}
	}
	return false
}

// Attach binds a freshly established connection to the slot reserved by a
// New grant and hooks the adapter's retirement into the pool, covering the
// unsolicited close/error path. An attach with no outstanding reservation
// (a connection the pool never granted) is counted as newly active so the
// totals stay truthful.
func (p *Pool) Attach(key Key, a *stream.Adapter) {
	p.mu.Lock()
	e := p.entry(key)
	if e.reserved > 0 {
		e.reserved--
	} else {
		p.totalActive++
	}
	e.active[a] = struct{}{}
	p.publish()
	p.mu.Unlock()

	a.OnRetire(func(error) { p.forget(key, a) })
}

// Abort returns a reserved slot after a failed dial. If a waiter is queued
// the reservation is handed to it as a New grant instead of being released.
func (p *Pool) Abort(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entries[key]
	if e == nil || e.reserved == 0 {
		return
	}
	if w := p.popWaiter(e); w != nil {
		// Reservation transfers to the waiter; counters stay as they are.
		w.ch <- Grant{New: true}
		p.publish()
		return
	}
	e.reserved--
	p.totalActive--
	p.promoteGlobal()
	p.gc(key, e)
	p.publish()
}

// Release returns a leased connection. A queued waiter gets this exact
// adapter directly, bypassing the free list; callers must not route a dead
// adapter through this path, retirement handles those. With no waiter the
// adapter goes idle when keepAlive allows and the free list has room,
// otherwise it is closed. Releasing an adapter the pool does not hold is a
// no-op.
func (p *Pool) Release(key Key, a *stream.Adapter, keepAlive bool) {
	p.mu.Lock()

	e := p.entries[key]
	if e == nil {
		p.mu.Unlock()
		return
	}
	if _, ok := e.active[a]; !ok {
		p.mu.Unlock()
		return
	}

	if w := p.popWaiter(e); w != nil {
		// Adapter stays in the active set, just under a new lease.
		w.ch <- Grant{Adapter: a}
		p.publish()
		p.mu.Unlock()
		return
	}

	delete(e.active, a)
	p.totalActive--
	p.promoteGlobal()

	if keepAlive && len(e.free) < p.conf.PerKeyFreeCap {
		e.free = append(e.free, a)
		p.totalFree++
		p.publish()
		p.mu.Unlock()
		return
	}

	p.gc(key, e)
	p.publish()
	p.mu.Unlock()

	p.log.Debug("closing released connection",
		zap.Uint32("id", uint32(a.ID())), zap.Bool("keep_alive", keepAlive))
	a.Destroy()
}

// forget drops an adapter that died while pooled (unsolicited CLOSE or
// ERROR). Membership checks make it idempotent against a racing Release for
// the same adapter: whichever runs second finds nothing to remove.
func (p *Pool) forget(key Key, a *stream.Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entries[key]
	if e == nil {
		return
	}

	if _, ok := e.active[a]; ok {
		delete(e.active, a)
		p.totalActive--
		// Capacity opened up; promote the head waiter to a dial.
		if w := p.popWaiter(e); w != nil {
			e.reserved++
			p.totalActive++
			w.ch <- Grant{New: true}
		} else {
			p.promoteGlobal()
		}
		p.gc(key, e)
		p.publish()
		return
	}

	for i, idle := range e.free {
		if idle == a {
			e.free = append(e.free[:i], e.free[i+1:]...)
			p.totalFree--
			p.gc(key, e)
			p.publish()
			return
		}
	}
}

// promoteGlobal hands capacity freed under the global cap to a waiter queued
// on some other key that is blocked by it. Without this a waiter whose own
// key has room could starve while other keys churn. Caller holds the pool
// mutex and has already decremented totalActive.
func (p *Pool) promoteGlobal() {
	if p.totalActive >= p.conf.GlobalCap {
		return
	}
	for _, e := range p.entries {
		if len(e.waiters) == 0 || len(e.active)+e.reserved >= p.conf.PerKeyCap {
			continue
		}
		w := p.popWaiter(e)
		e.reserved++
		p.totalActive++
		w.ch <- Grant{New: true}
		return
	}
}

// popWaiter removes and marks the head waiter. Caller holds the pool mutex.
func (p *Pool) popWaiter(e *entry) *Waiter {
	if len(e.waiters) == 0 {
		return nil
	}
	w := e.waiters[0]
	e.waiters = e.waiters[1:]
	w.granted = true
	p.waiting--
	return w
}

// Stats is a point-in-time snapshot for debugging and tests.
type Stats struct {
	Active  int
	Free    int
	Waiters int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Active: p.totalActive, Free: p.totalFree, Waiters: p.waiting}
}

// StatsForKey reports per-key counts.
func (p *Pool) StatsForKey(key Key) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[key]
	if e == nil {
		return Stats{}
	}
	return Stats{
		Active:  len(e.active) + e.reserved,
		Free:    len(e.free),
		Waiters: len(e.waiters),
	}
}
