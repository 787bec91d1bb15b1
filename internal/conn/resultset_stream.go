package conn

import (
	"io"

	"github.com/dbbouncer/gomysql/internal/protocol"
)

// Rows streams one result set's rows, text or binary protocol, and
// chains into the next result set when SERVER_MORE_RESULTS_EXISTS is set.
// Abandoning mid-stream (calling Close before Next returns io.EOF) forces
// a full drain before the connection is reusable, still counting as one
// command.
type Rows struct {
	c      *Conn
	binary bool
	cols   []protocol.ColumnDef
	done   bool
	more   bool
	lastOK *protocol.OKPacket
}

// Columns reports the result set's column metadata.
func (r *Rows) Columns() []protocol.ColumnDef { return r.cols }

// OK returns the terminating OK/EOF packet's fields once the result set
// has been fully drained (nil until then).
func (r *Rows) OK() *protocol.OKPacket { return r.lastOK }

// readResultSetHeader reads columnCount column-definition packets (and,
// when deprecate-EOF is off, the EOF terminator after them), leaving the
// connection positioned to stream rows.
func (c *Conn) readResultSetHeader(columnCount uint64, binary bool) (*Rows, error) {
	cols := make([]protocol.ColumnDef, 0, columnCount)
	for i := uint64(0); i < columnCount; i++ {
		payload, err := c.r.ReadPacket()
		if err != nil {
			return nil, c.fatal(err)
		}
		cd, err := protocol.ParseColumnDef41(payload)
		if err != nil {
			return nil, c.fatal(err)
		}
		cols = append(cols, *cd)
	}
	if !c.capabilities.Has(protocol.ClientDeprecateEOF) {
		payload, err := c.r.ReadPacket()
		if err != nil {
			return nil, c.fatal(err)
		}
		if _, err := protocol.ParseEOFPacket(payload); err != nil {
			return nil, c.fatal(err)
		}
	}
	c.mu.Lock()
	c.session.PendingResult = true
	c.mu.Unlock()
	c.setState(StateResultPending)
	return &Rows{c: c, binary: binary, cols: cols}, nil
}

// Next decodes the next row, or returns io.EOF once the result set's
// terminator (OK or classic EOF packet) has been consumed. When the
// terminator reports SERVER_MORE_RESULTS_EXISTS, NextResultSet can be
// called afterward to continue iterating.
func (r *Rows) Next() ([]protocol.Value, error) {
	if r.done {
		return nil, io.EOF
	}
	payload, err := r.c.r.ReadPacket()
	if err != nil {
		return nil, r.c.fatal(err)
	}

	if protocol.IsEOFMarker(payload, r.c.capabilities) {
		eof, err := protocol.ParseEOFPacket(payload)
		if err != nil {
			return nil, r.c.fatal(err)
		}
		r.finish(eof.StatusFlags, eof.Warnings)
		return nil, io.EOF
	}
	if len(payload) > 0 && payload[0] == 0xfe && r.c.capabilities.Has(protocol.ClientDeprecateEOF) && len(payload) < 0xffffff {
		rep, err := protocol.ParseReply(payload, r.c.capabilities)
		if err == nil && rep.IsOK() {
			r.finish(rep.OK.StatusFlags, rep.OK.Warnings)
			r.lastOK = rep.OK
			return nil, io.EOF
		}
	}

	var row []protocol.Value
	if r.binary {
		row, err = protocol.DecodeBinaryRow(payload, r.cols)
	} else {
		row, err = protocol.DecodeTextRow(payload, r.cols)
	}
	if err != nil {
		return nil, r.c.fatal(err)
	}
	return row, nil
}

func (r *Rows) finish(statusFlags uint16, warnings uint16) {
	r.done = true
	r.more = statusFlags&protocol.StatusMoreResultsExists != 0
	r.c.mu.Lock()
	r.c.session.StatusFlags = statusFlags
	r.c.session.WarningCount = warnings
	r.c.session.InTransaction = statusFlags&protocol.StatusInTrans != 0
	if !r.more {
		r.c.session.PendingResult = false
		r.c.state = StateIdle
	}
	r.c.mu.Unlock()
}

// MoreResultSets reports whether the server indicated another result set
// follows this one, per COM_QUERY's multi-statement/multi-result support.
func (r *Rows) MoreResultSets() bool { return r.done && r.more }

// NextResultSet reads the header of the following result set. Must only
// be called after Next has returned io.EOF and MoreResultSets is true.
func (r *Rows) NextResultSet() (*Rows, error) {
	if !r.MoreResultSets() {
		return nil, nil
	}
	payload, err := r.c.r.ReadPacket()
	if err != nil {
		return nil, r.c.fatal(err)
	}
	rep, err := protocol.ParseReply(payload, r.c.capabilities)
	if err != nil {
		return nil, r.c.fatal(err)
	}
	if rep.IsErr() {
		se := rep.Err.AsError()
		r.c.mu.Lock()
		r.c.session.PendingResult = false
		r.c.state = StateIdle
		r.c.mu.Unlock()
		if se.IsFatal() {
			return nil, r.c.fatal(se)
		}
		return nil, se
	}
	if rep.IsOK() {
		nr := &Rows{c: r.c, done: true, more: rep.OK.MoreResultsExists(), lastOK: rep.OK}
		r.c.mu.Lock()
		r.c.session.StatusFlags = rep.OK.StatusFlags
		if !nr.more {
			r.c.session.PendingResult = false
			r.c.state = StateIdle
		}
		r.c.mu.Unlock()
		return nr, nil
	}
	return r.c.readResultSetHeader(rep.ColumnCount, r.binary)
}

// Close abandons the stream, draining any remaining rows and result sets
// so the connection returns to Idle and can accept the next command.
func (r *Rows) Close() error {
	cur := r
	for {
		for {
			_, err := cur.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
		if !cur.MoreResultSets() {
			return nil
		}
		next, err := cur.NextResultSet()
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		cur = next
	}
}
