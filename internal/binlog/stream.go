// Package binlog pumps the post-COM_BINLOG_DUMP packet stream, yielding
// raw event frames. Decoding those frames into structured event records
// belongs to a separate consumer; this package stops at bytes in, bytes
// out.
package binlog

import (
	"context"

	"github.com/dbbouncer/gomysql/internal/conn"
	"github.com/dbbouncer/gomysql/internal/protocol"
)

// Stream yields raw binlog event-packet payloads in server order. While a
// connection is in the binlog-pump state, no other command may be issued
// on it.
type Stream struct {
	c      *conn.Conn
	closed bool
}

// DumpBinlog requests a classic (non-GTID) binlog stream starting at
// (binlogFile, position) via COM_BINLOG_DUMP.
func DumpBinlog(ctx context.Context, c *conn.Conn, position uint32, flags protocol.BinlogDumpFlags, serverID uint32, binlogFile string) (*Stream, error) {
	req := protocol.EncodeComBinlogDump(position, flags, serverID, binlogFile)
	if err := c.WriteCommand(ctx, req); err != nil {
		return nil, err
	}
	return &Stream{c: c}, nil
}

// DumpBinlogGTID requests a GTID-based binlog stream via
// COM_BINLOG_DUMP_GTID. encodedGTIDSet must already be in
// the server's binary GTID-set wire format.
func DumpBinlogGTID(ctx context.Context, c *conn.Conn, flags protocol.BinlogDumpGTIDFlags, serverID uint32, binlogFile string, position uint64, encodedGTIDSet []byte) (*Stream, error) {
	req := protocol.EncodeComBinlogDumpGTID(flags, serverID, binlogFile, position, encodedGTIDSet)
	if err := c.WriteCommand(ctx, req); err != nil {
		return nil, err
	}
	return &Stream{c: c}, nil
}

// Next reads the next event frame. Each reply packet is prefixed by a
// single status byte: 0x00 precedes a real event frame (stripped here),
// 0xff is a terminating ERR_Packet surfaced as the server's ServerError,
// and 0xfe (a short EOF_Packet, sent by non-blocking dumps at end of log)
// terminates the stream cleanly with a nil frame and nil error.
func (s *Stream) Next() ([]byte, error) {
	if s.closed {
		return nil, protocol.NewDriverError(protocol.ConnectionClosed, "binlog stream closed")
	}
	payload, err := s.c.ReadRaw()
	if err != nil {
		s.closed = true
		return nil, err
	}
	if len(payload) == 0 {
		s.closed = true
		return nil, nil
	}
	switch payload[0] {
	case 0xff:
		ep, perr := protocol.ParseErrPacket(payload, s.c.Capabilities())
		s.closed = true
		if perr != nil {
			return nil, perr
		}
		return nil, ep.AsError()
	case 0xfe:
		if len(payload) < 9 {
			s.closed = true
			return nil, nil
		}
		// 0xfe on a payload this long is an event frame whose leading
		// status byte the server omitted; fall through to the default.
		return payload, nil
	case 0x00:
		return payload[1:], nil
	default:
		// Some servers omit the leading 0x00 for certain event types;
		// treat the whole payload as the frame.
		return payload, nil
	}
}

// Close stops reading further events. The underlying connection can only
// be reused after a fresh COM_* that the server accepts post-dump, which
// in practice means closing the connection — binlog-pump has no documented
// cancel command.
func (s *Stream) Close() error {
	s.closed = true
	return nil
}
