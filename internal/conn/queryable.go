package conn

import (
	"context"
	"fmt"

	"github.com/dbbouncer/gomysql/internal/protocol"
	"github.com/dbbouncer/gomysql/internal/stmt"
)

// Query issues a COM_QUERY for sql and returns the resulting row stream.
// For statements that don't produce a result set (INSERT/UPDATE/DDL), the
// returned Rows has no columns and is already drained; inspect Rows.OK()
// for the affected-rows/last-insert-id outcome.
func (c *Conn) Query(ctx context.Context, sql string) (*Rows, error) {
	if err := c.beginCommand(); err != nil {
		return nil, err
	}
	c.applyDeadline(ctx)
	if err := c.w.WritePacket(protocol.EncodeComQuery(sql)); err != nil {
		return nil, c.fatal(err)
	}
	return c.readQueryReply(false)
}

// readQueryReply classifies the first reply packet of a COM_QUERY or
// COM_STMT_EXECUTE and either returns an already-terminated Rows (OK) or
// one positioned to stream (result-set header), handling the LOCAL INFILE
// handshake transparently in between.
func (c *Conn) readQueryReply(binary bool) (*Rows, error) {
	payload, err := c.r.ReadPacket()
	if err != nil {
		return nil, c.fatal(err)
	}
	rep, err := protocol.ParseReply(payload, c.capabilities)
	if err != nil {
		return nil, c.fatal(err)
	}
	switch {
	case rep.IsErr():
		se := rep.Err.AsError()
		c.endCommand(nil)
		if se.IsFatal() {
			return nil, c.fatal(se)
		}
		return nil, se
	case rep.IsOK():
		c.endCommand(rep.OK)
		return &Rows{c: c, done: true, more: rep.OK.MoreResultsExists(), lastOK: rep.OK}, nil
	case rep.IsLocalInfile():
		ok, err := c.runLocalInfile(rep.LocalInfileFilename)
		if err != nil {
			return nil, err
		}
		return &Rows{c: c, done: true, lastOK: ok}, nil
	default:
		return c.readResultSetHeader(rep.ColumnCount, binary)
	}
}

// Exec issues sql via COM_QUERY and returns the OK outcome, erroring if
// the statement unexpectedly produced a result set.
func (c *Conn) Exec(ctx context.Context, sql string) (*protocol.OKPacket, error) {
	rows, err := c.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	if len(rows.Columns()) > 0 {
		_ = rows.Close()
		return nil, protocol.NewDriverError(protocol.UnexpectedPacket, "Exec called on a statement that returned a result set")
	}
	return rows.OK(), nil
}

// Statement is the logical handle returned to the user: query text plus
// parameter/result column metadata. The physical (connection, stmt-id)
// pair lives in the connection's statement cache and is re-prepared on a
// cache miss; callers never see a raw stmt-id.
type Statement struct {
	sql        string
	key        uint64
	paramCount int
	// conn is the connection this Statement was last prepared against; a
	// foreign connection re-prepares rather than reusing the id.
	conn *Conn
}

// SQL returns the statement's original query text.
func (s *Statement) SQL() string { return s.sql }

// ParamCount reports how many `?` placeholders the statement has.
func (s *Statement) ParamCount() int { return s.paramCount }

// Prepare issues COM_STMT_PREPARE for sql, or returns the cached handle if
// this connection already prepared identical SQL and it hasn't been
// evicted.
func (c *Conn) Prepare(ctx context.Context, sql string) (*Statement, error) {
	key := stmt.HashSQL(sql)
	if cached, ok := c.stmts.Get(key); ok {
		return &Statement{sql: sql, key: key, paramCount: cached.ParamCount, conn: c}, nil
	}
	cached, err := c.prepareOnServer(ctx, sql)
	if err != nil {
		return nil, err
	}
	c.stmts.Put(key, cached)
	return &Statement{sql: sql, key: key, paramCount: cached.ParamCount, conn: c}, nil
}

func (c *Conn) prepareOnServer(ctx context.Context, sql string) (*stmt.Cached, error) {
	if err := c.beginCommand(); err != nil {
		return nil, err
	}
	c.applyDeadline(ctx)
	if err := c.w.WritePacket(protocol.EncodeComStmtPrepare(sql)); err != nil {
		return nil, c.fatal(err)
	}

	payload, err := c.r.ReadPacket()
	if err != nil {
		return nil, c.fatal(err)
	}
	if len(payload) > 0 && payload[0] == 0xff {
		ep, perr := protocol.ParseErrPacket(payload, c.capabilities)
		c.endCommand(nil)
		if perr != nil {
			return nil, c.fatal(perr)
		}
		return nil, ep.AsError()
	}
	if len(payload) < 12 || payload[0] != 0x00 {
		return nil, c.fatal(protocol.NewParseError("stmt-prepare-ok", "unexpected header"))
	}
	stmtID := uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16 | uint32(payload[4])<<24
	numColumns := int(payload[5]) | int(payload[6])<<8
	numParams := int(payload[7]) | int(payload[8])<<8
	warnings := uint16(payload[10]) | uint16(payload[11])<<8

	cached := &stmt.Cached{StmtID: stmtID, ParamCount: numParams}

	deprecateEOF := c.capabilities.Has(protocol.ClientDeprecateEOF)
	if numParams > 0 {
		for i := 0; i < numParams; i++ {
			p, err := c.r.ReadPacket()
			if err != nil {
				return nil, c.fatal(err)
			}
			cd, err := protocol.ParseColumnDef41(p)
			if err != nil {
				return nil, c.fatal(err)
			}
			cached.ParamDefs = append(cached.ParamDefs, *cd)
		}
		if !deprecateEOF {
			if _, err := c.r.ReadPacket(); err != nil {
				return nil, c.fatal(err)
			}
		}
	}
	if numColumns > 0 {
		for i := 0; i < numColumns; i++ {
			p, err := c.r.ReadPacket()
			if err != nil {
				return nil, c.fatal(err)
			}
			cd, err := protocol.ParseColumnDef41(p)
			if err != nil {
				return nil, c.fatal(err)
			}
			cached.ResultDefs = append(cached.ResultDefs, *cd)
		}
		if !deprecateEOF {
			if _, err := c.r.ReadPacket(); err != nil {
				return nil, c.fatal(err)
			}
		}
	}
	_ = warnings
	c.endCommand(nil)
	return cached, nil
}

// resolve looks up (or re-prepares, for a statement presented on a
// different connection than it was last used on) the physical handle for
// s against c.
func (c *Conn) resolve(ctx context.Context, s *Statement) (*stmt.Cached, error) {
	if s.conn != c {
		cached, err := c.prepareOnServer(ctx, s.sql)
		if err != nil {
			return nil, err
		}
		c.stmts.Put(s.key, cached)
		s.conn = c
		return cached, nil
	}
	if cached, ok := c.stmts.Get(s.key); ok {
		return cached, nil
	}
	cached, err := c.prepareOnServer(ctx, s.sql)
	if err != nil {
		return nil, err
	}
	c.stmts.Put(s.key, cached)
	return cached, nil
}

// Exec runs the prepared statement with the given positional parameters
// via COM_STMT_EXECUTE, returning the binary-protocol row stream.
func (c *Conn) ExecStatement(ctx context.Context, s *Statement, params []protocol.BinaryParam) (*Rows, error) {
	cached, err := c.resolve(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(params) != cached.ParamCount {
		return nil, protocol.NewDriverError(protocol.NamedParamMissing,
			fmt.Sprintf("statement expects %d parameters, got %d", cached.ParamCount, len(params)))
	}
	if err := c.beginCommand(); err != nil {
		return nil, err
	}
	c.applyDeadline(ctx)
	req := protocol.EncodeComStmtExecute(cached.StmtID, protocol.CursorTypeNoCursor, params)
	if err := c.w.WritePacket(req); err != nil {
		return nil, c.fatal(err)
	}
	return c.readQueryReply(true)
}

// CloseStatement issues COM_STMT_CLOSE for s's server-side handle (if it
// is currently cached on this connection) and removes it from the cache.
func (c *Conn) CloseStatement(s *Statement) error {
	if s.conn != c {
		return nil
	}
	c.stmts.Remove(s.key)
	return nil
}

// BatchResult is the outcome of one iteration of BatchExec.
type BatchResult struct {
	OK       *protocol.OKPacket
	Warnings uint16
}

// BatchExec prepares sql once and executes it once per entry in paramSets,
// aggregating warnings; it does not combine errors across iterations — the
// first error aborts and is returned immediately.
func (c *Conn) BatchExec(ctx context.Context, sql string, paramSets [][]protocol.BinaryParam) ([]BatchResult, error) {
	s, err := c.Prepare(ctx, sql)
	if err != nil {
		return nil, err
	}
	results := make([]BatchResult, 0, len(paramSets))
	for _, params := range paramSets {
		rows, err := c.ExecStatement(ctx, s, params)
		if err != nil {
			return results, err
		}
		if err := rows.Close(); err != nil {
			return results, err
		}
		ok := rows.OK()
		br := BatchResult{OK: ok}
		if ok != nil {
			br.Warnings = ok.Warnings
		}
		results = append(results, br)
	}
	return results, nil
}

// ResetStatement issues COM_STMT_RESET for s's server-side handle,
// discarding any accumulated long data and unread rows; the server
// acknowledges with OK.
func (c *Conn) ResetStatement(ctx context.Context, s *Statement) error {
	if s.conn != c {
		return protocol.NewDriverError(protocol.StatementFromForeignConnection, "")
	}
	cached, ok := c.stmts.Get(s.key)
	if !ok {
		return nil
	}
	_, err := c.dispatchSimple(ctx, protocol.EncodeComStmtReset(cached.StmtID))
	return err
}
