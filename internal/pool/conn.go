package pool

import (
	"time"

	"github.com/dbbouncer/gomysql/internal/conn"
)

// connState tracks a PooledConn's position relative to the pool: idle (in
// the queue) or in-use (checked out), never both at once.
type connState int

const (
	connStateIdle connState = iota
	connStateInUse
	connStateClosed
)

// PooledConn wraps a *conn.Conn with pool bookkeeping: when it was last
// returned to idle, and a back-reference used only by Release/Close — the
// connection never calls back into Pool's exported surface directly, it
// just carries this handle for the caller to use.
type PooledConn struct {
	c         *conn.Conn
	pool      *Pool
	state     connState
	createdAt time.Time
	lastUsed  time.Time
}

func newPooledConn(c *conn.Conn, p *Pool) *PooledConn {
	now := time.Now()
	return &PooledConn{c: c, pool: p, state: connStateInUse, createdAt: now, lastUsed: now}
}

// Conn returns the underlying connection for issuing queries.
func (pc *PooledConn) Conn() *conn.Conn { return pc.c }

// Release returns the connection to the pool it was acquired from. Safe
// to call exactly once per acquisition; callers should `defer pc.Release()`
// immediately after a successful Acquire.
func (pc *PooledConn) Release() {
	if pc.pool != nil {
		pc.pool.Return(pc)
	}
}

func (pc *PooledConn) markIdle() {
	pc.state = connStateIdle
	pc.lastUsed = time.Now()
}

func (pc *PooledConn) markInUse() {
	pc.state = connStateInUse
	pc.lastUsed = time.Now()
}

func (pc *PooledConn) idleAge() time.Duration {
	return time.Since(pc.lastUsed)
}

// expired reports whether the connection has outlived its absolute
// lifetime bound; a zero ttl disables the bound.
func (pc *PooledConn) expired(ttl time.Duration) bool {
	return ttl > 0 && time.Since(pc.createdAt) > ttl
}

// healthy is the cheap liveness check run on checkout: a COM_PING round
// trip. Any error means the connection is dead and must be discarded
// rather than handed out.
func (pc *PooledConn) healthy(deadline time.Duration) bool {
	if pc.c.IsDirty() {
		return false
	}
	ctx, cancel := contextWithTimeout(deadline)
	defer cancel()
	return pc.c.Ping(ctx) == nil
}

func (pc *PooledConn) close() error {
	pc.state = connStateClosed
	return pc.c.Disconnect()
}
