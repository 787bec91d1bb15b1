package conn

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbbouncer/gomysql/internal/protocol"
	"github.com/dbbouncer/gomysql/internal/stmt"
	"github.com/dbbouncer/gomysql/internal/transport"
)

// State is the connection's position in its lifecycle: Idle -> Command ->
// ResultPending -> Idle (or straight back to Idle on OK/ERR), Command ->
// LocalInfile during an upload, Command -> BinlogPump after a dump request,
// and any state -> Closed on a fatal error.
type State int

const (
	StateIdle State = iota
	StateCommand
	StateResultPending
	StateLocalInfile
	StateBinlogPump
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCommand:
		return "command"
	case StateResultPending:
		return "result-pending"
	case StateLocalInfile:
		return "local-infile"
	case StateBinlogPump:
		return "binlog-pump"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionState tracks the outcome of the last command and the session-level
// flags the server reports back on every OK: last-insert-id, affected rows,
// warnings, status bits, current database and charset.
type SessionState struct {
	LastInsertID uint64
	AffectedRows uint64
	WarningCount uint16
	StatusFlags  uint16
	Database     string
	Charset      byte

	PendingResult bool
	InTransaction bool
	Dirty         bool // set on cancellation-after-write, checked by the pool on Return
}

// InTransactionFlag reports SERVER_STATUS_IN_TRANS from the last reply.
func (s SessionState) InTransactionFlag() bool {
	return s.StatusFlags&protocol.StatusInTrans != 0
}

// Conn is a single authenticated connection: transport + codec + session
// state + statement cache + a single-use local-infile handler slot. It
// enforces the at-most-one-command-in-flight invariant.
//
// A Conn is not safe for concurrent use by more than one goroutine at a
// time; the mutex below guards only state transitions, never I/O itself.
type Conn struct {
	mu    sync.Mutex
	state State

	opts Options
	t    transport.Transport
	seq  *protocol.Sequence
	r    *protocol.Reader
	w    *protocol.Writer

	capabilities protocol.Capability
	serverVer    string
	connectionID uint32

	session SessionState
	stmts   *stmt.Cache

	infileHandler LocalInfileHandler // single-use slot, taken on use

	// poolNotify, if set, is called by Close so a pool-owned Conn can
	// report its terminal state without the pool calling back into Conn.
	poolNotify func(dirty bool)
}

// State returns the connection's current state machine position.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a snapshot of the session state.
func (c *Conn) Session() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// IsDirty reports whether the connection must be discarded rather than
// reused: broken, in a transaction, mid-result-set, or cancelled
// mid-command.
func (c *Conn) IsDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed || c.session.Dirty || c.session.PendingResult || c.session.InTransaction
}

// SetPoolNotify installs the callback invoked from Close, so the pool can
// observe the final dirty/closed state without holding a reference the
// other direction.
func (c *Conn) SetPoolNotify(f func(dirty bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolNotify = f
}

// Connect dials opts.Network/opts.Address, performs the handshake
// (including optional TLS upgrade and the authentication dialog), and
// returns a ready-to-use Conn in the Idle state.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Collation == 0 {
		opts.Collation = DefaultCollation
	}
	var tr transport.Transport
	var err error
	switch opts.Network {
	case "unix":
		tr, err = transport.DialUnix(ctx, opts.Address, opts.ConnectTimeout)
	default:
		tr, err = transport.DialTCP(ctx, opts.Address, opts.ConnectTimeout, opts.TCPKeepAlive, opts.TCPNoDelay)
	}
	if err != nil {
		return nil, protocol.NewIOError("dial", err)
	}

	maxAllowed := opts.MaxAllowedPacket
	if maxAllowed == 0 {
		maxAllowed = DefaultMaxAllowedPacket
	}

	seq := protocol.NewSequence(0)
	c := &Conn{
		opts:  opts,
		t:     tr,
		seq:   seq,
		r:     protocol.NewReader(tr, seq, maxAllowed),
		w:     protocol.NewWriter(tr, seq),
		state: StateCommand,
	}

	if err := c.handshake(ctx); err != nil {
		_ = tr.Shutdown()
		return nil, err
	}

	cacheSize := opts.StmtCacheSize
	if cacheSize == 0 {
		cacheSize = DefaultStmtCacheSize
	}
	cache, err := stmt.New(cacheSize, func(stmtID uint32) {
		// COM_STMT_CLOSE has no reply, so an eviction is a single
		// fire-and-forget packet on a fresh sequence.
		c.seq.Reset(0)
		if ct, ok := c.t.(*protocol.CompressedTransport); ok {
			ct.ResetSeq(0)
		}
		_ = c.w.WritePacket(protocol.EncodeComStmtClose(stmtID))
	})
	if err != nil {
		_ = tr.Shutdown()
		return nil, err
	}
	c.stmts = cache

	c.session.Database = opts.DBName
	c.session.Charset = opts.Collation
	c.state = StateIdle
	slog.Debug("mysql connection established", "addr", opts.Address, "server_version", c.serverVer, "conn_id", c.connectionID)
	return c, nil
}

// handshake runs the full connection dialog: greeting parse, capability
// negotiation, optional TLS upgrade, HandshakeResponse41, and the
// authentication loop (including AuthSwitchRequest/AuthMoreData).
func (c *Conn) handshake(ctx context.Context) error {
	greeting, err := c.r.ReadPacket()
	if err != nil {
		return err
	}
	if len(greeting) > 0 && greeting[0] == 0xff {
		ep, perr := protocol.ParseErrPacket(greeting, protocol.ClientProtocol41)
		if perr == nil {
			return ep.AsError()
		}
		return protocol.NewParseError("handshake", "server sent error")
	}

	hs, err := protocol.ParseHandshakeV10(greeting)
	if err != nil {
		return err
	}
	c.serverVer = hs.ServerVersion
	c.connectionID = hs.ConnectionID

	req := protocol.DefaultCapabilityRequest()
	req.Compress = c.opts.Compress
	req.SSL = c.opts.TLSConfig != nil || c.opts.RequireSSL
	req.LocalInFile = true
	req.ConnectWithDB = c.opts.DBName != ""
	req.FoundRows = c.opts.ClientFoundRows
	wanted := req.Wanted()
	caps := protocol.Negotiate(wanted, hs.ServerCapabilities)
	c.capabilities = caps

	maxPacket := c.opts.MaxAllowedPacket
	if maxPacket == 0 {
		maxPacket = DefaultMaxAllowedPacket
	}

	if caps.Has(protocol.ClientSSL) {
		sslReq := protocol.BuildSSLRequest(caps, maxPacket, c.opts.Collation)
		if err := c.w.WritePacket(sslReq); err != nil {
			return err
		}
		tlsCfg := c.opts.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if err := c.t.UpgradeTLS(ctx, tlsCfg); err != nil {
			return protocol.NewIOError("tls upgrade", err)
		}
	}

	plugin := hs.AuthPluginName
	if plugin == "" {
		plugin = protocol.PluginMySQLNativePassword
	}
	authResp, err := protocol.ScrambleAuthResponse(plugin, c.opts.Password, hs.AuthPluginData, c.opts.secureChannel())
	if err != nil {
		return err
	}

	resp := protocol.HandshakeResponse41{
		Capabilities:   caps,
		MaxPacketSize:  maxPacket,
		CharacterSet:   c.opts.Collation,
		Username:       c.opts.User,
		AuthResponse:   authResp,
		Database:       c.opts.DBName,
		AuthPluginName: plugin,
		ConnectAttrs:   c.opts.ConnectAttrs,
	}
	if err := c.w.WritePacket(protocol.BuildHandshakeResponse41(resp)); err != nil {
		return err
	}

	if err := c.authLoop(plugin, hs.AuthPluginData); err != nil {
		return err
	}

	if caps.Has(protocol.ClientCompress) {
		level := c.opts.CompressionLevel
		c.t = protocol.NewCompressedTransport(c.t, level)
		c.seq = protocol.NewSequence(0)
		c.r = protocol.NewReader(c.t, c.seq, maxPacket)
		c.w = protocol.NewWriter(c.t, c.seq)
	}
	return nil
}

// authLoop drives the post-HandshakeResponse41 dialog until OK or a fatal
// ERR, handling AuthSwitchRequest and the caching_sha2_password
// fast-auth/full-auth AuthMoreData paths.
func (c *Conn) authLoop(plugin string, scramble []byte) error {
	for {
		payload, err := c.r.ReadPacket()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			return protocol.NewParseError("auth", "empty reply")
		}
		switch payload[0] {
		case 0x00:
			_, err := protocol.ParseOKPacket(payload, c.capabilities)
			return err
		case 0xff:
			ep, err := protocol.ParseErrPacket(payload, c.capabilities)
			if err != nil {
				return err
			}
			return ep.AsError()
		case 0xfe:
			sw, err := protocol.ParseAuthSwitchRequest(payload)
			if err != nil {
				return err
			}
			plugin = sw.PluginName
			scramble = sw.PluginData
			resp, err := protocol.ScrambleAuthResponse(plugin, c.opts.Password, scramble, c.opts.secureChannel())
			if err != nil {
				return err
			}
			if err := c.w.WritePacket(resp); err != nil {
				return err
			}
		case 0x01:
			data, err := protocol.ParseAuthMoreData(payload)
			if err != nil {
				return err
			}
			if err := c.handleAuthMoreData(plugin, scramble, data); err != nil {
				return err
			}
		default:
			return protocol.NewParseError("auth", fmt.Sprintf("unexpected byte 0x%02x", payload[0]))
		}
	}
}

func (c *Conn) handleAuthMoreData(plugin string, scramble, data []byte) error {
	if len(data) == 1 {
		switch protocol.AuthMoreDataTag(data[0]) {
		case protocol.AuthMoreDataFastAuthSuccess:
			return nil // next packet is the final OK
		case protocol.AuthMoreDataFullAuthRequest:
			return c.fullAuth(plugin, scramble)
		}
	}
	// Otherwise this AuthMoreData payload is PEM-encoded RSA key material,
	// requested below in fullAuth.
	return nil
}

// fullAuth performs caching_sha2_password / sha256_password full
// authentication: over a secure channel the password travels in clear;
// otherwise the client encrypts the password under the server's RSA public
// key, requesting that key first when none was preconfigured.
func (c *Conn) fullAuth(plugin string, scramble []byte) error {
	if c.opts.secureChannel() {
		pw := append([]byte(c.opts.Password), 0)
		return c.w.WritePacket(pw)
	}

	pubKey := c.opts.RSAPublicKey
	if pubKey == nil {
		if err := c.w.WritePacket([]byte{byte(protocol.AuthMoreDataPublicKeyReq)}); err != nil {
			return err
		}
		reply, err := c.r.ReadPacket()
		if err != nil {
			return err
		}
		keyData, err := protocol.ParseAuthMoreData(reply)
		if err != nil {
			return err
		}
		pubKey = keyData
	}

	encrypted, err := protocol.EncryptPasswordRSA(pubKey, c.opts.Password, scramble)
	if err != nil {
		return err
	}
	return c.w.WritePacket(encrypted)
}

// beginCommand transitions Idle -> Command, resetting the sequence counter
// (and the compressed-envelope counter, when compression is active) to 0
// as required at the start of every new command, and enforces the
// single-command-in-flight invariant.
func (c *Conn) beginCommand() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return protocol.NewDriverError(protocol.ConnectionClosed, "")
	}
	if c.state != StateIdle {
		return protocol.NewDriverError(protocol.UnexpectedPacket, "command already in flight")
	}
	c.state = StateCommand
	c.seq.Reset(0)
	if ct, ok := c.t.(*protocol.CompressedTransport); ok {
		ct.ResetSeq(0)
	}
	return nil
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// endCommand is called once a command's result has been fully observed
// (even via an error), recording the OK outcome and returning the
// connection to Idle unless it already transitioned to Closed.
func (c *Conn) endCommand(ok *protocol.OKPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok != nil {
		c.session.AffectedRows = ok.AffectedRows
		c.session.LastInsertID = ok.LastInsertID
		c.session.StatusFlags = ok.StatusFlags
		c.session.WarningCount = ok.Warnings
		c.session.InTransaction = ok.StatusFlags&protocol.StatusInTrans != 0
	}
	c.session.PendingResult = false
	if c.state != StateClosed {
		c.state = StateIdle
	}
}

// fatal transitions the connection to Closed on an unrecoverable I/O or
// protocol error.
func (c *Conn) fatal(err error) error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return err
}

// dispatchSimple writes a command with no parameters and reads a single
// OK/ERR reply (COM_PING, COM_RESET_CONNECTION, COM_QUIT-adjacent calls).
func (c *Conn) dispatchSimple(ctx context.Context, payload []byte) (*protocol.OKPacket, error) {
	if err := c.beginCommand(); err != nil {
		return nil, err
	}
	c.applyDeadline(ctx)
	if err := c.w.WritePacket(payload); err != nil {
		return nil, c.fatal(err)
	}
	reply, err := c.r.ReadPacket()
	if err != nil {
		return nil, c.fatal(err)
	}
	r, err := protocol.ParseReply(reply, c.capabilities)
	if err != nil {
		return nil, c.fatal(err)
	}
	if r.IsErr() {
		se := r.Err.AsError()
		c.endCommand(nil)
		if se.IsFatal() {
			return nil, c.fatal(se)
		}
		return nil, se
	}
	c.endCommand(r.OK)
	return r.OK, nil
}

func (c *Conn) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.t.SetDeadline(dl)
		return
	}
	if c.opts.ReadTimeout > 0 || c.opts.WriteTimeout > 0 {
		_ = c.t.SetDeadline(time.Now().Add(maxDur(c.opts.ReadTimeout, c.opts.WriteTimeout)))
	}
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Ping issues COM_PING; the only reply is OK.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.dispatchSimple(ctx, protocol.EncodeComPing())
	return err
}

// Reset issues COM_RESET_CONNECTION, clearing session variables, temp
// tables, prepared statements, and user variables while preserving
// authentication. The local statement cache is purged to match; the server
// already dropped its side of each statement, so no COM_STMT_CLOSE is sent
// for them.
func (c *Conn) Reset(ctx context.Context) error {
	if _, err := c.dispatchSimple(ctx, protocol.EncodeComResetConnection()); err != nil {
		return err
	}
	c.stmts.PurgeQuiet()
	c.mu.Lock()
	c.session.InTransaction = false
	c.session.Dirty = false
	c.mu.Unlock()
	return nil
}

// ChangeUser issues COM_CHANGE_USER: a full re-authentication dialog
// inside the existing connection.
func (c *Conn) ChangeUser(ctx context.Context, username, password, schema string) error {
	if err := c.beginCommand(); err != nil {
		return err
	}
	c.applyDeadline(ctx)

	plugin := protocol.PluginMySQLNativePassword
	// COM_CHANGE_USER has no fresh scramble of its own in the classic
	// dialog; an AuthSwitchRequest may still follow with one.
	authResp, err := protocol.ScrambleAuthResponse(plugin, password, nil, c.opts.secureChannel())
	if err != nil {
		return c.fatal(err)
	}
	req := protocol.EncodeComChangeUser(username, authResp, schema, c.opts.Collation, plugin)
	if err := c.w.WritePacket(req); err != nil {
		return c.fatal(err)
	}
	if err := c.authLoop(plugin, nil); err != nil {
		return c.fatal(err)
	}
	c.stmts.PurgeQuiet()
	c.mu.Lock()
	c.opts.User = username
	c.opts.Password = password
	c.opts.DBName = schema
	c.session.Database = schema
	c.session.InTransaction = false
	c.state = StateIdle
	c.mu.Unlock()
	return nil
}

// SetInfileHandler installs the single-use, per-connection LOCAL INFILE
// handler consulted before the global options handler.
func (c *Conn) SetInfileHandler(h LocalInfileHandler) {
	c.mu.Lock()
	c.infileHandler = h
	c.mu.Unlock()
}

// takeInfileHandler atomically takes the per-connection handler (clearing
// the slot) or falls back to the global one from Options.
func (c *Conn) takeInfileHandler() LocalInfileHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.infileHandler != nil {
		h := c.infileHandler
		c.infileHandler = nil
		return h
	}
	return c.opts.LocalInfileHandler
}

// Disconnect sends COM_QUIT and shuts down the transport. Any subsequent
// operation fails with DriverError{ConnectionClosed}.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	notify := c.poolNotify
	c.mu.Unlock()

	c.seq.Reset(0)
	if ct, ok := c.t.(*protocol.CompressedTransport); ok {
		ct.ResetSeq(0)
	}
	_ = c.w.WritePacket(protocol.EncodeComQuit())
	err := c.t.Shutdown()
	if notify != nil {
		notify(false)
	}
	return err
}

// Close is an alias for Disconnect matching io.Closer, reporting dirty
// state to the pool if one is attached.
func (c *Conn) Close() error {
	dirty := c.IsDirty()
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	notify := c.poolNotify
	c.mu.Unlock()

	_ = c.t.Shutdown()
	if notify != nil {
		notify(dirty)
	}
	return nil
}

// MarkDirty flags the connection as unsafe to reuse — used by callers that
// cancel an operation after a command was written but before its result
// was fully consumed. The wire gives no way to abort an in-flight command,
// so the pool closes a dirty connection instead of recycling it.
func (c *Conn) MarkDirty() {
	c.mu.Lock()
	c.session.Dirty = true
	c.mu.Unlock()
}

// WriteCommand dispatches a raw command payload and transitions into the
// binlog-pump state, for use by internal/binlog after COM_BINLOG_DUMP[_GTID].
// While in that state, no other command may be issued on the connection.
func (c *Conn) WriteCommand(ctx context.Context, payload []byte) error {
	if err := c.beginCommand(); err != nil {
		return err
	}
	c.applyDeadline(ctx)
	if err := c.w.WritePacket(payload); err != nil {
		return c.fatal(err)
	}
	c.setState(StateBinlogPump)
	return nil
}

// ReadRaw reads one raw packet payload, used by internal/binlog to pump
// the event stream without the result-set machinery.
func (c *Conn) ReadRaw() ([]byte, error) {
	payload, err := c.r.ReadPacket()
	if err != nil {
		return nil, c.fatal(err)
	}
	return payload, nil
}

// ServerVersion reports the version string from the initial greeting.
func (c *Conn) ServerVersion() string { return c.serverVer }

// Capabilities reports the negotiated capability set.
func (c *Conn) Capabilities() protocol.Capability { return c.capabilities }
