package conn

import "github.com/dbbouncer/gomysql/internal/protocol"

// LocalInfileHandler produces the lazy, finite sequence of byte chunks fed
// to the server in response to a LOAD DATA LOCAL INFILE request. Each call
// to Next returns one chunk (no larger than max_allowed_packet) until it
// reports done=true, at which point the upload is considered complete. A
// non-nil error aborts the upload and surfaces as
// LocalInfileError{Kind: LocalInfileOther}.
type LocalInfileHandler interface {
	Next(filename string) (chunk []byte, done bool, err error)
}

// ChunkHandler is a LocalInfileHandler over a fixed in-memory sequence of
// chunks, yielded once in order — the simplest handler for tests and for
// callers that already hold the upload in memory.
type ChunkHandler struct {
	chunks [][]byte
	i      int
}

// NewChunkHandler builds a LocalInfileHandler that yields each of chunks
// once, in order.
func NewChunkHandler(chunks ...[]byte) *ChunkHandler {
	return &ChunkHandler{chunks: chunks}
}

func (h *ChunkHandler) Next(string) ([]byte, bool, error) {
	if h.i >= len(h.chunks) {
		return nil, true, nil
	}
	c := h.chunks[h.i]
	h.i++
	return c, false, nil
}

// runLocalInfile drives the upload dialog after a 0xFB reply: consult the
// per-connection handler, then the global one, then surface NoHandler;
// stream chunks until the handler signals done, send the terminating
// empty packet, and read the final OK.
func (c *Conn) runLocalInfile(filename string) (*protocol.OKPacket, error) {
	c.setState(StateLocalInfile)
	handler := c.takeInfileHandler()
	if handler == nil {
		if err := c.w.WritePacket(nil); err != nil {
			return nil, c.fatal(err)
		}
		c.drainToOK()
		return nil, &protocol.LocalInfileError{Kind: protocol.LocalInfileNoHandler}
	}

	maxAllowed := c.opts.MaxAllowedPacket
	if maxAllowed == 0 {
		maxAllowed = DefaultMaxAllowedPacket
	}

	for {
		chunk, done, err := handler.Next(filename)
		if err != nil {
			_ = c.w.WritePacket(nil)
			c.drainToOK()
			return nil, &protocol.LocalInfileError{Kind: protocol.LocalInfileOther, Err: err}
		}
		if done {
			break
		}
		if uint32(len(chunk)) > maxAllowed {
			_ = c.w.WritePacket(nil)
			c.drainToOK()
			return nil, &protocol.LocalInfileError{Kind: protocol.LocalInfileTooLarge}
		}
		if len(chunk) == 0 {
			continue
		}
		if err := c.w.WritePacket(chunk); err != nil {
			return nil, c.fatal(err)
		}
	}
	if err := c.w.WritePacket(nil); err != nil {
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

// drainToOK reads and discards packets after a failed LOCAL INFILE
// attempt until the connection is in a known state again; used only on
// the error paths above, which still owe the server a reply for the
// command before another one can be dispatched.
func (c *Conn) drainToOK() {
	reply, err := c.r.ReadPacket()
	if err != nil {
		_ = c.fatal(err)
		return
	}
	r, err := protocol.ParseReply(reply, c.capabilities)
	if err != nil {
		_ = c.fatal(err)
		return
	}
	c.endCommand(r.OK)
}
