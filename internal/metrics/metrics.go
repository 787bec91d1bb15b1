// Package metrics exposes Prometheus instrumentation for the pool and
// protocol engine: per-endpoint occupancy gauges, query and transaction
// histograms, and auth/TLS/statement-cache counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric this client emits, registered against its
// own private registry so multiple Collectors (e.g. one per test) never
// collide.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	acquireDuration    *prometheus.HistogramVec

	queryDuration *prometheus.HistogramVec
	queriesTotal  *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec
	tlsUpgradesTotal  *prometheus.CounterVec

	stmtCacheHits    *prometheus.CounterVec
	stmtCacheMisses  *prometheus.CounterVec
	stmtCacheEvicted *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	dirtyDisconnects    *prometheus.CounterVec
}

// New creates and registers every metric against a fresh registry. Safe to
// call multiple times (tests, config reload) since each Collector owns an
// independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gomysql_connections_active",
				Help: "Number of active connections per endpoint",
			},
			[]string{"endpoint"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gomysql_connections_idle",
				Help: "Number of idle connections per endpoint",
			},
			[]string{"endpoint"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gomysql_connections_total",
				Help: "Total number of connections per endpoint",
			},
			[]string{"endpoint"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gomysql_connections_waiting",
				Help: "Number of goroutines waiting on Acquire per endpoint",
			},
			[]string{"endpoint"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gomysql_pool_exhausted_total",
				Help: "Total times Acquire timed out waiting for a connection",
			},
			[]string{"endpoint"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gomysql_acquire_duration_seconds",
				Help:    "Time spent waiting for Pool.Acquire",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"endpoint"},
		),

		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gomysql_query_duration_seconds",
				Help:    "Duration of a query or statement execution",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"endpoint", "kind"},
		),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gomysql_queries_total",
				Help: "Total queries/statements executed, by outcome",
			},
			[]string{"endpoint", "kind", "outcome"},
		),

		authAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gomysql_auth_attempts_total",
				Help: "Authentication attempts by plugin and outcome",
			},
			[]string{"endpoint", "plugin", "outcome"},
		),
		tlsUpgradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gomysql_tls_upgrades_total",
				Help: "SSLRequest TLS upgrades by outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		stmtCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gomysql_stmt_cache_hits_total",
				Help: "Prepared statement cache hits",
			},
			[]string{"endpoint"},
		),
		stmtCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gomysql_stmt_cache_misses_total",
				Help: "Prepared statement cache misses requiring a server prepare",
			},
			[]string{"endpoint"},
		),
		stmtCacheEvicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gomysql_stmt_cache_evicted_total",
				Help: "Prepared statements evicted from the LRU cache",
			},
			[]string{"endpoint"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gomysql_transactions_total",
				Help: "Completed transactions by outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gomysql_transaction_duration_seconds",
				Help:    "Duration from StartTransaction to Commit/Rollback",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"endpoint"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gomysql_dirty_disconnects_total",
				Help: "Connections discarded by the pool for being dirty on return",
			},
			[]string{"endpoint"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.acquireDuration,
		c.queryDuration,
		c.queriesTotal,
		c.authAttemptsTotal,
		c.tlsUpgradesTotal,
		c.stmtCacheHits,
		c.stmtCacheMisses,
		c.stmtCacheEvicted,
		c.transactionsTotal,
		c.transactionDuration,
		c.dirtyDisconnects,
	)

	return c
}

// UpdatePoolStats sets the pool occupancy gauges for endpoint.
func (c *Collector) UpdatePoolStats(endpoint string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(endpoint).Set(float64(active))
	c.connectionsIdle.WithLabelValues(endpoint).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(endpoint).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(endpoint).Set(float64(waiting))
}

// PoolExhausted increments the exhaustion counter for endpoint.
func (c *Collector) PoolExhausted(endpoint string) {
	c.poolExhausted.WithLabelValues(endpoint).Inc()
}

// AcquireDuration observes time spent in Pool.Acquire.
func (c *Collector) AcquireDuration(endpoint string, d time.Duration) {
	c.acquireDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// QueryCompleted records a query/statement execution outcome and duration.
// kind is "query", "exec", or "stmt"; outcome is "ok" or "error".
func (c *Collector) QueryCompleted(endpoint, kind, outcome string, d time.Duration) {
	c.queryDuration.WithLabelValues(endpoint, kind).Observe(d.Seconds())
	c.queriesTotal.WithLabelValues(endpoint, kind, outcome).Inc()
}

// AuthAttempt records an authentication attempt for plugin against
// endpoint; outcome is "ok" or "error".
func (c *Collector) AuthAttempt(endpoint, plugin, outcome string) {
	c.authAttemptsTotal.WithLabelValues(endpoint, plugin, outcome).Inc()
}

// TLSUpgrade records an SSLRequest handshake outcome.
func (c *Collector) TLSUpgrade(endpoint, outcome string) {
	c.tlsUpgradesTotal.WithLabelValues(endpoint, outcome).Inc()
}

// StmtCacheHit increments the statement cache hit counter.
func (c *Collector) StmtCacheHit(endpoint string) {
	c.stmtCacheHits.WithLabelValues(endpoint).Inc()
}

// StmtCacheMiss increments the statement cache miss counter.
func (c *Collector) StmtCacheMiss(endpoint string) {
	c.stmtCacheMisses.WithLabelValues(endpoint).Inc()
}

// StmtCacheEvicted increments the statement cache eviction counter.
func (c *Collector) StmtCacheEvicted(endpoint string) {
	c.stmtCacheEvicted.WithLabelValues(endpoint).Inc()
}

// TransactionCompleted records a finished transaction; outcome is
// "commit" or "rollback".
func (c *Collector) TransactionCompleted(endpoint, outcome string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(endpoint, outcome).Inc()
	c.transactionDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// DirtyDisconnect increments the dirty-disconnect counter for endpoint.
func (c *Collector) DirtyDisconnect(endpoint string) {
	c.dirtyDisconnects.WithLabelValues(endpoint).Inc()
}

// RemoveEndpoint deletes every series labeled with endpoint, used when an
// endpoint's pool is removed from the registry at runtime.
func (c *Collector) RemoveEndpoint(endpoint string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.poolExhausted.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.queryDuration.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.queriesTotal.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.authAttemptsTotal.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.tlsUpgradesTotal.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.stmtCacheHits.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.stmtCacheMisses.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.stmtCacheEvicted.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.transactionsTotal.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.dirtyDisconnects.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
}
