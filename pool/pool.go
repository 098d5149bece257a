// Package pool keeps a bounded set of reusable SMTP sessions.
//
// A Pool hands out at most MaxSize connections at a time. Callers that find
// the pool exhausted queue up and are served in arrival order as sessions
// are released or discarded. Idle sessions are reused most recently used
// first; sessions idle for longer than IdleTimeout are closed, either by the
// background cleaner or when Acquire comes across them.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alexisbouchez/mailer"
	"github.com/alexisbouchez/mailer/metrics"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultCleanupInterval = time.Second
	DefaultProbeAfter      = 30 * time.Second
	DefaultQuitTimeout     = 5 * time.Second
)

// Conn is a pooled connection. *session.Session satisfies it.
type Conn interface {
	comparable
	// Probe checks that an idle connection is still usable.
	Probe(ctx context.Context) error
	// Quit ends the connection politely.
	Quit(ctx context.Context) error
	// Close drops the connection.
	Close() error
}

// DialFunc opens a new connection.
type DialFunc[C Conn] func(ctx context.Context) (C, error)

// Options configures a Pool.
type Options struct {
	// Name labels log lines and metrics.
	Name string
	// MaxSize bounds the number of open connections. Values below 1 mean 1.
	MaxSize int
	// KeepAlive re-queues released connections. Without it every release
	// closes the connection.
	KeepAlive bool
	// IdleTimeout closes connections idle for longer. Zero disables it and
	// the cleaner.
	IdleTimeout time.Duration
	// CleanupInterval is the period of the idle cleaner.
	CleanupInterval time.Duration
	// ProbeAfter is the idle time after which a connection is probed
	// before it is handed out. Negative disables probing.
	ProbeAfter time.Duration
	// QuitTimeout bounds each QUIT the pool sends on its own.
	QuitTimeout time.Duration
	Logger      *slog.Logger
	// Now replaces time.Now for idle bookkeeping.
	Now func() time.Time
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Open    int // idle + busy + dials in progress
	Idle    int
	Busy    int
	Waiting int
}

type idleConn[C Conn] struct {
	conn  C
	since time.Time
}

// grant is delivered to a waiter: either a connection handed over by
// Release, or a reserved slot the waiter dials into.
type grant[C Conn] struct {
	conn    C
	handoff bool
}

// Pool is a bounded connection pool. It is safe for concurrent use.
type Pool[C Conn] struct {
	dial   DialFunc[C]
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	idle    []idleConn[C]
	busy    map[C]struct{}
	open    int
	waiters []chan grant[C]
	closed  bool

	stopCh chan struct{}
}

// New creates a pool that opens connections with dial. The idle cleaner
// starts right away when IdleTimeout is set.
func New[C Conn](dial DialFunc[C], opts Options) *Pool[C] {
	if opts.MaxSize < 1 {
		opts.MaxSize = 1
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.ProbeAfter == 0 {
		opts.ProbeAfter = DefaultProbeAfter
	}
	if opts.QuitTimeout <= 0 {
		opts.QuitTimeout = DefaultQuitTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool[C]{
		dial:   dial,
		opts:   opts,
		logger: logger.With("pool", opts.Name),
		busy:   make(map[C]struct{}),
	}
	if opts.IdleTimeout > 0 {
		p.stopCh = make(chan struct{})
		go p.cleaner()
	}
	p.mu.Lock()
	p.updateGaugesLocked()
	p.mu.Unlock()
	return p
}

// Name returns the pool name.
func (p *Pool[C]) Name() string { return p.opts.Name }

// Acquire returns an idle connection, dials a new one while the pool is
// below MaxSize, or waits for one to be released. It fails with
// KindPoolTimeout when ctx ends first and KindPoolClosed once the pool is
// shut down. Dial errors are returned unchanged.
func (p *Pool[C]) Acquire(ctx context.Context) (C, error) {
	start := time.Now()
	defer func() {
		metrics.PoolAcquireDuration.WithLabelValues(p.opts.Name).Observe(time.Since(start).Seconds())
	}()

	var zero C
	for {
		if err := ctx.Err(); err != nil {
			return zero, mailer.NewError(mailer.KindPoolTimeout, "acquire", err)
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, p.closedError()
		}
		// Queued waiters go first.
		if len(p.waiters) == 0 {
			if n := len(p.idle); n > 0 {
				ic := p.idle[n-1]
				p.idle[n-1] = idleConn[C]{}
				p.idle = p.idle[:n-1]
				p.busy[ic.conn] = struct{}{}
				p.updateGaugesLocked()
				p.mu.Unlock()

				if p.usable(ctx, ic) {
					return ic.conn, nil
				}
				continue
			}
			if p.open < p.opts.MaxSize {
				p.open++
				p.mu.Unlock()
				return p.connect(ctx)
			}
		}

		ch := make(chan grant[C], 1)
		p.waiters = append(p.waiters, ch)
		p.updateGaugesLocked()
		p.mu.Unlock()

		select {
		case g, ok := <-ch:
			if !ok {
				return zero, p.closedError()
			}
			if g.handoff {
				return g.conn, nil
			}
			return p.connect(ctx)
		case <-ctx.Done():
			p.mu.Lock()
			removed := p.removeWaiterLocked(ch)
			p.updateGaugesLocked()
			p.mu.Unlock()
			if !removed {
				// A grant was sent before we got the lock.
				if g, ok := <-ch; ok {
					p.giveBack(g)
				}
			}
			return zero, mailer.NewError(mailer.KindPoolTimeout, "acquire", ctx.Err())
		}
	}
}

// connect dials into a slot already counted in p.open.
func (p *Pool[C]) connect(ctx context.Context) (C, error) {
	c, err := p.dial(ctx)
	if err != nil {
		metrics.PoolDialsTotal.WithLabelValues(p.opts.Name, metrics.ResultError).Inc()
		p.logger.Debug("dial failed", "err", err)
		p.mu.Lock()
		p.open--
		p.grantLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
		var zero C
		return zero, err
	}
	metrics.PoolDialsTotal.WithLabelValues(p.opts.Name, metrics.ResultOK).Inc()

	p.mu.Lock()
	if p.closed {
		p.open--
		p.mu.Unlock()
		p.quit(c)
		var zero C
		return zero, p.closedError()
	}
	p.busy[c] = struct{}{}
	p.updateGaugesLocked()
	p.mu.Unlock()
	return c, nil
}

// usable vets an idle connection that Acquire just marked busy. Stale or
// broken connections are dropped and false is returned.
func (p *Pool[C]) usable(ctx context.Context, ic idleConn[C]) bool {
	idleFor := p.opts.Now().Sub(ic.since)
	if p.opts.IdleTimeout > 0 && idleFor >= p.opts.IdleTimeout {
		p.logger.Debug("closing idle session", "idle", idleFor)
		metrics.PoolEvictionsTotal.WithLabelValues(p.opts.Name, metrics.EvictIdleTimeout).Inc()
		p.drop(ic.conn)
		go p.quit(ic.conn)
		return false
	}
	if p.opts.ProbeAfter > 0 && idleFor >= p.opts.ProbeAfter {
		if err := ic.conn.Probe(ctx); err != nil {
			p.logger.Debug("idle session failed probe", "idle", idleFor, "err", err)
			metrics.PoolEvictionsTotal.WithLabelValues(p.opts.Name, metrics.EvictProbeFailed).Inc()
			p.Discard(ic.conn)
			return false
		}
	}
	return true
}

// Release returns a connection after a successful use. With KeepAlive the
// connection goes to the next waiter or back to the idle set; otherwise, or
// once the pool is shut down, it is closed with QUIT.
func (p *Pool[C]) Release(c C) {
	p.mu.Lock()
	if _, ok := p.busy[c]; !ok {
		p.mu.Unlock()
		p.logger.Warn("release of a session the pool does not own")
		return
	}
	delete(p.busy, c)

	if p.closed || !p.opts.KeepAlive {
		p.open--
		p.grantLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.quit(c)
		return
	}

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.busy[c] = struct{}{}
		ch <- grant[C]{conn: c, handoff: true}
	} else {
		p.idle = append(p.idle, idleConn[C]{conn: c, since: p.opts.Now()})
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// Discard closes a connection without QUIT and frees its slot. Callers
// discard after any failed use.
func (p *Pool[C]) Discard(c C) {
	if !p.drop(c) {
		p.logger.Warn("discard of a session the pool does not own")
	}
	if err := c.Close(); err != nil {
		p.logger.Debug("close failed", "err", err)
	}
}

// drop forgets a busy connection and frees its slot.
func (p *Pool[C]) drop(c C) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[c]; !ok {
		return false
	}
	delete(p.busy, c)
	p.open--
	p.grantLocked()
	p.updateGaugesLocked()
	return true
}

// giveBack undoes a grant received by a waiter that gave up.
func (p *Pool[C]) giveBack(g grant[C]) {
	if g.handoff {
		p.Release(g.conn)
		return
	}
	p.mu.Lock()
	p.open--
	p.grantLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// grantLocked hands free slots to queued waiters.
func (p *Pool[C]) grantLocked() {
	for !p.closed && len(p.waiters) > 0 && p.open < p.opts.MaxSize {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.open++
		ch <- grant[C]{}
	}
}

func (p *Pool[C]) removeWaiterLocked(ch chan grant[C]) bool {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// quit sends QUIT bounded by QuitTimeout.
func (p *Pool[C]) quit(c C) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.QuitTimeout)
	defer cancel()
	if err := c.Quit(ctx); err != nil {
		p.logger.Debug("quit failed", "err", err)
	}
}

func (p *Pool[C]) cleaner() {
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle closes idle connections past IdleTimeout.
func (p *Pool[C]) evictIdle() {
	now := p.opts.Now()
	var expired []C

	p.mu.Lock()
	kept := p.idle[:0]
	for _, ic := range p.idle {
		if now.Sub(ic.since) >= p.opts.IdleTimeout {
			expired = append(expired, ic.conn)
			p.open--
		} else {
			kept = append(kept, ic)
		}
	}
	clear(p.idle[len(kept):])
	p.idle = kept
	p.grantLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, c := range expired {
		metrics.PoolEvictionsTotal.WithLabelValues(p.opts.Name, metrics.EvictIdleTimeout).Inc()
		p.quit(c)
	}
	if len(expired) > 0 {
		p.logger.Debug("evicted idle sessions", "count", len(expired))
	}
}

// Shutdown closes the pool. Waiters fail with KindPoolClosed, the cleaner
// is told to stop and idle connections are sent QUIT in the background.
// Busy connections are left to their users and closed when released.
// Shutdown never waits on the network and is idempotent.
func (p *Pool[C]) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	if p.stopCh != nil {
		close(p.stopCh)
	}
	for _, ic := range idle {
		go p.quit(ic.conn)
	}

	metrics.PoolSessions.DeleteLabelValues(p.opts.Name, "idle")
	metrics.PoolSessions.DeleteLabelValues(p.opts.Name, "busy")
	metrics.PoolWaiters.DeleteLabelValues(p.opts.Name)
	p.logger.Debug("pool shut down", "closed_idle", len(idle))
}

// Closed reports whether Shutdown was called.
func (p *Pool[C]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns current occupancy.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:    p.open,
		Idle:    len(p.idle),
		Busy:    len(p.busy),
		Waiting: len(p.waiters),
	}
}

func (p *Pool[C]) updateGaugesLocked() {
	if p.closed {
		return
	}
	metrics.PoolSessions.WithLabelValues(p.opts.Name, "idle").Set(float64(len(p.idle)))
	metrics.PoolSessions.WithLabelValues(p.opts.Name, "busy").Set(float64(len(p.busy)))
	metrics.PoolWaiters.WithLabelValues(p.opts.Name).Set(float64(len(p.waiters)))
}

func (p *Pool[C]) closedError() error {
	return mailer.Errorf(mailer.KindPoolClosed, "acquire", "pool %q is shut down", p.opts.Name)
}
