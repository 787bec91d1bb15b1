// Package stmt implements the per-connection prepared-statement cache: a
// bounded LRU keyed by a hash of the normalized SQL text, mapping to the
// server-side statement handle. A statement evicted by the LRU is closed
// on the server via the eviction callback before being dropped
// client-side, so the server never accumulates orphaned handles.
package stmt

import (
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dbbouncer/gomysql/internal/protocol"
)

// Cached is the physical (connection-local) half of a prepared statement:
// the server statement id, parameter/result column metadata, and a
// reference count tracking how many logical Statement handles currently
// point at it. Statement identity across connections is logical (query +
// param metadata); the raw server statement id never leaves this package.
type Cached struct {
	StmtID     uint32
	ParamDefs  []protocol.ColumnDef
	ResultDefs []protocol.ColumnDef
	ParamCount int
	RefCount   int
}

// CloseFunc issues COM_STMT_CLOSE for the given server statement id. The
// cache never talks to the wire itself; it calls back into whatever owns
// the connection.
type CloseFunc func(stmtID uint32)

// Cache is a per-connection bounded LRU from a normalized-SQL hash to its
// Cached statement handle.
type Cache struct {
	size    int
	onClose CloseFunc
	lru     *lru.Cache[uint64, *Cached]
}

// New builds a Cache holding at most size entries. Zero or negative size
// disables caching (NewOnSize(1) floor applied, per golang-lru's
// constructor contract, but every eviction past that floor still runs
// onClose so statements are never leaked server-side).
func New(size int, onClose CloseFunc) (*Cache, error) {
	if size <= 0 {
		size = 1
	}
	c := &Cache{size: size, onClose: onClose}
	l, err := lru.NewWithEvict[uint64, *Cached](size, func(_ uint64, v *Cached) {
		if c.onClose != nil {
			c.onClose(v.StmtID)
		}
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// HashSQL computes the FNV-1a hash of the normalized SQL text used as the
// cache key.
func HashSQL(normalizedSQL string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalizedSQL))
	return h.Sum64()
}

// Get looks up a cached statement by its SQL hash.
func (c *Cache) Get(key uint64) (*Cached, bool) {
	return c.lru.Get(key)
}

// Put inserts or replaces the cached statement for key. If this insertion
// evicts an older entry, onClose already ran for it via NewWithEvict.
func (c *Cache) Put(key uint64, v *Cached) {
	c.lru.Add(key, v)
}

// Remove evicts key explicitly (e.g. on COM_STMT_CLOSE called directly by
// the user), running onClose.
func (c *Cache) Remove(key uint64) {
	c.lru.Remove(key)
}

// Len reports the number of statements currently cached.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge evicts every entry, running onClose for each.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// PurgeQuiet evicts every entry without running onClose — used after
// COM_RESET_CONNECTION and COM_CHANGE_USER, where the server has already
// dropped its side of each statement and closing them again would put
// stray packets on the wire.
func (c *Cache) PurgeQuiet() {
	onClose := c.onClose
	c.onClose = nil
	c.lru.Purge()
	c.onClose = onClose
}
