package protocol

import (
	"github.com/dbbouncer/gomysql/internal/bufpool"
	"github.com/dbbouncer/gomysql/internal/transport"
)

// MaxPayloadLen is the largest payload a single frame can carry before the
// writer must split it into a continuation sequence.
const MaxPayloadLen = 1<<24 - 1

// byteReader/byteWriter are satisfied by transport.Transport and by the
// plaintext buffer the compression layer decodes into, letting Reader/Writer
// sit on top of either.
type byteReader interface {
	ReadExact(buf []byte) error
}

type byteWriter interface {
	WriteAll(buf []byte) error
	Flush() error
}

// Sequence is the packet sequence-id counter for one connection. It is
// shared between the connection's Reader and Writer because the protocol
// numbers packets across both directions: a command goes out with sequence
// 0 and the server's first reply frame carries sequence 1. Reset to 0 at
// the start of each command; wraps at 256.
type Sequence struct {
	n uint8
}

// NewSequence returns a counter starting at base.
func NewSequence(base uint8) *Sequence { return &Sequence{n: base} }

// Reset rewinds the counter to base.
func (s *Sequence) Reset(base uint8) { s.n = base }

// Next returns the current value and advances, wrapping at 256.
func (s *Sequence) Next() uint8 {
	v := s.n
	s.n++
	return v
}

// Peek returns the next value without advancing.
func (s *Sequence) Peek() uint8 { return s.n }

// Reader reads MySQL packets: length+sequence framing with transparent
// reassembly across the 16 MiB boundary.
type Reader struct {
	src           byteReader
	seq           *Sequence
	maxAllowedPkt uint32
}

// NewReader builds a packet Reader over the given transport. seq is the
// connection's sequence counter, shared with the corresponding Writer.
func NewReader(t transport.Transport, seq *Sequence, maxAllowedPacket uint32) *Reader {
	return &Reader{src: t, seq: seq, maxAllowedPkt: maxAllowedPacket}
}

// ResetSeq resets the shared sequence counter to the given base, as
// required at the start of every new command.
func (r *Reader) ResetSeq(base uint8) { r.seq.Reset(base) }

// Seq returns the next expected sequence id.
func (r *Reader) Seq() uint8 { return r.seq.Peek() }

// ReadPacket reads one logical packet payload, transparently reassembling
// continuation frames at the 16 MiB boundary, and validates sequence
// continuity modulo 256.
func (r *Reader) ReadPacket() ([]byte, error) {
	bp := bufpool.Get(4096)
	out := *bp
	for {
		hdr := make([]byte, 4)
		if err := r.src.ReadExact(hdr); err != nil {
			bufpool.Put(bp)
			return nil, NewIOError("read packet header", err)
		}
		length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
		seq := hdr[3]
		if seq != r.seq.Peek() {
			bufpool.Put(bp)
			return nil, ErrOutOfOrderSeq
		}
		r.seq.Next()

		if r.maxAllowedPkt > 0 && uint32(len(out)+length) > r.maxAllowedPkt {
			bufpool.Put(bp)
			return nil, ErrPacketTooLarge
		}

		if length > 0 {
			chunkStart := len(out)
			out = append(out, make([]byte, length)...)
			if err := r.src.ReadExact(out[chunkStart:]); err != nil {
				bufpool.Put(bp)
				return nil, NewIOError("read packet payload", err)
			}
		}

		if length < MaxPayloadLen {
			result := make([]byte, len(out))
			copy(result, out)
			bufpool.Put(bp)
			return result, nil
		}
		// length == MaxPayloadLen: a continuation frame follows, even if
		// that continuation turns out to have zero length (exact-multiple
		// case).
	}
}

// Writer writes MySQL packets, splitting payloads >= 16 MiB into successive
// frames, each prefixed by (24-bit little-endian length, 8-bit sequence).
type Writer struct {
	dst byteWriter
	seq *Sequence
}

// NewWriter builds a packet Writer over the given transport. seq is the
// connection's sequence counter, shared with the corresponding Reader.
func NewWriter(t transport.Transport, seq *Sequence) *Writer {
	return &Writer{dst: connWriter{t}, seq: seq}
}

// connWriter adapts transport.Transport to byteWriter.
type connWriter struct{ t transport.Transport }

func (c connWriter) WriteAll(buf []byte) error { return c.t.WriteAll(buf) }
func (c connWriter) Flush() error              { return c.t.Flush() }

// ResetSeq resets the shared sequence counter to base, as required at the
// start of every new command.
func (w *Writer) ResetSeq(base uint8) { w.seq.Reset(base) }

// Seq returns the next sequence id that will be used.
func (w *Writer) Seq() uint8 { return w.seq.Peek() }

// WritePacket writes payload, splitting into MaxPayloadLen-sized frames. A
// payload that is an exact multiple of MaxPayloadLen gets a trailing
// zero-length frame so the reader's continuation loop terminates.
func (w *Writer) WritePacket(payload []byte) error {
	for {
		n := len(payload)
		if n > MaxPayloadLen {
			n = MaxPayloadLen
		}
		hdr := [4]byte{byte(n), byte(n >> 8), byte(n >> 16), w.seq.Next()}

		bp := bufpool.Get(4 + n)
		buf := append(*bp, hdr[:]...)
		buf = append(buf, payload[:n]...)
		err := w.dst.WriteAll(buf)
		bufpool.Put(bp)
		if err != nil {
			return NewIOError("write packet", err)
		}

		payload = payload[n:]
		if n < MaxPayloadLen {
			return w.dst.Flush()
		}
		if len(payload) == 0 {
			// Exact multiple: emit the required zero-length final frame.
			hdr := [4]byte{0, 0, 0, w.seq.Next()}
			if err := w.dst.WriteAll(hdr[:]); err != nil {
				return NewIOError("write final empty frame", err)
			}
			return w.dst.Flush()
		}
	}
}
