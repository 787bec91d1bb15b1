// Package conn implements the per-connection state machine tying
// user-level operations (query, prepare/exec, transactions, LOCAL INFILE)
// to the protocol packet sequences defined in internal/protocol. It owns
// the transport, the packet codec, per-connection session state, and the
// prepared-statement cache.
package conn

import (
	"crypto/tls"
	"time"
)

// Options is the already-built connection configuration the protocol
// engine consumes. The engine never parses URLs itself; internal/dsn is
// the one collaborator that builds this struct from a "mysql://" string.
type Options struct {
	Network string // "tcp" or "unix"
	Address string // "host:port" or a socket path

	User     string
	Password string
	DBName   string

	Collation byte

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TCPKeepAlive   time.Duration
	TCPNoDelay     bool

	Compress         bool
	CompressionLevel int

	TLSConfig      *tls.Config
	RequireSSL     bool
	VerifyCA       bool
	VerifyIdentity bool

	ClientFoundRows bool
	SecureAuth      bool

	MaxAllowedPacket uint32
	StmtCacheSize    int

	ConnectAttrs map[string]string

	// LocalInfileHandler is the global fallback consulted when no
	// per-connection handler is installed via Conn.SetInfileHandler.
	LocalInfileHandler LocalInfileHandler

	// RSAPublicKey, if set, is used for caching_sha2_password /
	// sha256_password full-auth without requesting the key from the
	// server over AuthMoreData(0x02).
	RSAPublicKey []byte
}

func (o Options) secureChannel() bool {
	return o.TLSConfig != nil || o.Network == "unix"
}

// DefaultMaxAllowedPacket matches the server default (mysqld's
// max_allowed_packet), used when Options.MaxAllowedPacket is zero.
const DefaultMaxAllowedPacket = 64 << 20

// DefaultCollation is utf8mb4_general_ci, applied when Options.Collation is
// zero (0 is not a valid charset id on the wire).
const DefaultCollation = 45

// DefaultStmtCacheSize is the stmt_cache_size applied when the option is
// left unset.
const DefaultStmtCacheSize = 10
