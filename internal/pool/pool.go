// Package pool multiplexes MySQL connections: a LIFO idle queue for
// locality, in-use accounting, a FIFO wait queue for fairness under
// saturation, min/max capacity enforcement, and a background reaper that
// retires idle connections past their TTL.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbbouncer/gomysql/internal/conn"
)

// ErrPoolDisconnected is returned by Acquire once Close has been called.
var ErrPoolDisconnected = errors.New("mysql: pool disconnected")

// Options configures a Pool's capacity and reclamation policy.
type Options struct {
	Min                   int
	Max                   int
	InactiveConnectionTTL time.Duration
	TTLCheckInterval      time.Duration
	AcquireTimeout        time.Duration
	ConnectTimeout        time.Duration

	// ConnTTL bounds a connection's total lifetime regardless of activity;
	// zero means no bound. Expired connections are replaced lazily.
	ConnTTL time.Duration

	// Dial builds a fresh connection; normally conn.Connect bound to a
	// fixed conn.Options, injected here so tests can substitute a fake
	// dialer without a real server.
	Dial func(ctx context.Context) (*conn.Conn, error)
}

func (o Options) withDefaults() Options {
	if o.Max <= 0 {
		o.Max = 10
	}
	if o.Min < 0 {
		o.Min = 0
	}
	if o.Min > o.Max {
		o.Min = o.Max
	}
	if o.InactiveConnectionTTL <= 0 {
		o.InactiveConnectionTTL = 5 * time.Minute
	}
	if o.TTLCheckInterval <= 0 {
		o.TTLCheckInterval = 30 * time.Second
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	return o
}

// Stats snapshots a Pool's current occupancy.
type Stats struct {
	Idle      int
	InUse     int
	Total     int
	Waiting   int
	Max       int
	Min       int
	Exhausted int64
}

// Pool holds min..max *conn.Conn, LIFO idle queue for locality, FIFO
// fairness for waiters via sync.Cond, and a background TTL reaper.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	opts Options

	idle      []*PooledConn
	active    map[*PooledConn]struct{}
	total     int
	waiting   int
	exhausted int64

	closed bool
	stopCh chan struct{}
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), d)
}

// New builds a Pool and starts its reap loop and (if Min > 0) a background
// warm-up.
func New(opts Options) *Pool {
	opts = opts.withDefaults()
	p := &Pool{
		opts:   opts,
		active: make(map[*PooledConn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.reapLoop()
	if opts.Min > 0 {
		go p.warmUp()
	}
	return p
}

func (p *Pool) warmUp() {
	for i := 0; i < p.opts.Min; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.opts.Min {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		ctx, cancel := contextWithTimeout(p.opts.ConnectTimeout)
		c, err := p.opts.Dial(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool warm-up connection failed", "index", i+1, "target", p.opts.Min, "err", err)
			return
		}

		pc := newPooledConn(c, p)
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			pc.close()
			return
		}
		pc.markIdle()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
	slog.Info("pool pre-warmed", "count", p.opts.Min)
}

// Acquire checks out a connection: reuse a live idle connection if one
// exists, else dial a fresh one under Max, else wait FIFO for one to be
// returned (or until ctx/AcquireTimeout elapses, whichever is sooner).
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadlineAt := time.Now().Add(p.opts.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadlineAt) {
		deadlineAt = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolDisconnected
		}

		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if pc.idleAge() > p.opts.InactiveConnectionTTL || pc.expired(p.opts.ConnTTL) {
				pc.close()
				p.total--
				continue
			}

			// The liveness ping is a COM_PING round trip; it runs outside
			// the lock. The connection is already popped, so no other
			// acquirer can see it meanwhile.
			p.mu.Unlock()
			alive := pc.healthy(200 * time.Millisecond)
			p.mu.Lock()
			if !alive {
				pc.close()
				p.total--
				continue
			}
			if p.closed {
				pc.close()
				p.total--
				p.mu.Unlock()
				return nil, ErrPoolDisconnected
			}
			pc.markInUse()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		if p.total < p.opts.Max {
			p.total++
			p.mu.Unlock()

			c, err := p.opts.Dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("mysql: dialing new pooled connection: %w", err)
			}
			pc := newPooledConn(c, p)
			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		p.waiting++
		p.exhausted++
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("mysql: acquire timeout after %s: pool exhausted", p.opts.AcquireTimeout)
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolDisconnected
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("mysql: acquire timeout after %s: pool exhausted", p.opts.AcquireTimeout)
		}
		// loop retries from the top, mu still held
	}
}

// Return checks pc back in. A connection marked dirty (broken, still in a
// transaction, mid-result-set, or cancelled mid-command) is discarded
// rather than reused, as is one past its lifetime bound; otherwise its
// local-infile handler slot is already cleared (it's single-use and was
// taken-or-not during the borrow) and it rejoins the idle queue, waking
// the head waiter in preference to sitting idle.
func (p *Pool) Return(pc *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, pc)

	if p.closed || pc.c.IsDirty() || pc.expired(p.opts.ConnTTL) {
		pc.close()
		p.total--
		p.cond.Signal()
		return
	}

	pc.markIdle()
	p.idle = append(p.idle, pc)
	p.cond.Signal()
}

// WithConn brackets fn between Acquire and Release — the usual shape for
// one-shot queries where the caller holds a Pool rather than a connection.
// The connection is returned to the pool when fn returns, dirty or not; a
// dirty one is discarded by Return.
func (p *Pool) WithConn(ctx context.Context, fn func(*conn.Conn) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.Release()
	return fn(pc.Conn())
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:      len(p.idle),
		InUse:     len(p.active),
		Total:     p.total,
		Waiting:   p.waiting,
		Max:       p.opts.Max,
		Min:       p.opts.Min,
		Exhausted: p.exhausted,
	}
}

// Drain closes all idle connections and waits (up to a fixed grace
// period) for in-use ones to be returned, force-closing any stragglers.
func (p *Pool) Drain() {
	p.mu.Lock()
	for _, pc := range p.idle {
		pc.close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	slog.Info("draining pool", "in_use", activeCount)
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for pc := range p.active {
				pc.close()
				p.total--
			}
			p.active = make(map[*PooledConn]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed pooled connections after drain timeout")
			return
		}
	}
}

// Close flips the closed flag, wakes every waiter with ErrPoolDisconnected,
// and drains the idle queue — each gets a clean COM_QUIT via pc.close().
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain()
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.opts.TTLCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle retires idle connections older than InactiveConnectionTTL,
// never dropping the queue below Min; replacements are lazy, created on
// next demand rather than eagerly here.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.opts.Min {
		return
	}

	kept := make([]*PooledConn, 0, len(p.idle))
	excess := len(p.idle) - p.opts.Min
	for i, pc := range p.idle {
		if i < excess && pc.idleAge() > p.opts.InactiveConnectionTTL {
			pc.close()
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
}
