package pool

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/dbbouncer/gomysql/internal/conn"
)

// Registry keeps one Pool per distinct DSN, lazily created on first use.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// GetOrCreate returns the Pool for dsn, dialing connections via connOpts
// with the given pool Options. Existing pools are returned unchanged even
// if opts/connOpts differ from the first call for that dsn.
func (r *Registry) GetOrCreate(dsn string, opts Options, connOpts conn.Options) *Pool {
	r.mu.RLock()
	if p, ok := r.pools[dsn]; ok {
		r.mu.RUnlock()
		return p
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[dsn]; ok {
		return p
	}

	opts.Dial = func(ctx context.Context) (*conn.Conn, error) {
		return conn.Connect(ctx, connOpts)
	}
	p := New(opts)
	r.pools[dsn] = p
	slog.Info("created connection pool", "dsn", redactDSN(dsn), "min", opts.Min, "max", opts.Max)
	return p
}

// Get returns the pool for dsn if one already exists.
func (r *Registry) Get(dsn string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[dsn]
	return p, ok
}

// Remove closes and forgets the pool for dsn.
func (r *Registry) Remove(dsn string) bool {
	r.mu.Lock()
	p, ok := r.pools[dsn]
	if ok {
		delete(r.pools, dsn)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.Close()
	return true
}

// AllStats reports Stats for every pool in the registry.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.pools))
	for dsn, p := range r.pools {
		out[dsn] = p.Stats()
	}
	return out
}

// Close closes every pool in the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}

// redactDSN masks a password embedded in a mysql:// URL before logging it.
func redactDSN(dsn string) string {
	start := 0
	if i := strings.Index(dsn, "://"); i >= 0 {
		start = i + 3
	}
	at := strings.IndexByte(dsn[start:], '@')
	if at < 0 {
		return dsn
	}
	at += start
	colon := strings.IndexByte(dsn[start:at], ':')
	if colon < 0 {
		return dsn
	}
	colon += start
	return dsn[:colon+1] + "***REDACTED***" + dsn[at:]
}
