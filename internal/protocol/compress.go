package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/dbbouncer/gomysql/internal/bufpool"
	"github.com/dbbouncer/gomysql/internal/transport"
)

// minCompressSize is the plain-payload length below which the compressed
// envelope is sent uncompressed (uncompressed-length 0) rather than paying
// zlib's framing overhead for a few bytes.
const minCompressSize = 50

const compressedHeaderSize = 7

// CompressedTransport wraps a Transport with the compressed-envelope layer:
// 3-byte compressed length, 1-byte envelope sequence, 3-byte uncompressed
// length, then either a raw or zlib-compressed payload. It presents the
// same Transport interface so the packet Reader/Writer can sit on top of it
// without knowing compression is active.
type CompressedTransport struct {
	under transport.Transport

	// seq numbers envelopes across both directions, like the plain packet
	// sequence one layer up, and resets at the start of each command.
	seq   Sequence
	wbuf  bytes.Buffer
	rbuf  bytes.Buffer
	level int
}

// NewCompressedTransport wraps under with the envelope sequence at 0, as
// required immediately after authentication completes when compression was
// negotiated. level follows zlib's level constants (DefaultCompression
// when the caller has no preference).
func NewCompressedTransport(under transport.Transport, level int) *CompressedTransport {
	return &CompressedTransport{under: under, level: level}
}

// ResetSeq rewinds the envelope sequence counter, called at the start of
// each command alongside the plain packet sequence reset.
func (c *CompressedTransport) ResetSeq(base uint8) { c.seq.Reset(base) }

// WriteAll buffers plain bytes; nothing reaches the wire until Flush.
func (c *CompressedTransport) WriteAll(buf []byte) error {
	_, err := c.wbuf.Write(buf)
	return err
}

// Flush packs whatever plain bytes were buffered into one compressed
// envelope and sends it.
func (c *CompressedTransport) Flush() error {
	if c.wbuf.Len() == 0 {
		return nil
	}
	plain := c.wbuf.Bytes()

	var body []byte
	uncompressedLen := 0
	if len(plain) >= minCompressSize {
		compressed, err := deflate(plain, c.level)
		if err == nil && len(compressed) < len(plain) {
			body = compressed
			uncompressedLen = len(plain)
		}
	}
	if body == nil {
		body = plain
		uncompressedLen = 0
	}

	hdr := make([]byte, compressedHeaderSize)
	n := len(body)
	hdr[0], hdr[1], hdr[2] = byte(n), byte(n>>8), byte(n>>16)
	hdr[3] = c.seq.Next()
	hdr[4], hdr[5], hdr[6] = byte(uncompressedLen), byte(uncompressedLen>>8), byte(uncompressedLen>>16)

	bp := bufpool.Get(compressedHeaderSize + len(body))
	out := append(*bp, hdr...)
	out = append(out, body...)
	err := c.under.WriteAll(out)
	bufpool.Put(bp)
	if err != nil {
		return NewIOError("write compressed envelope", err)
	}
	c.wbuf.Reset()
	return c.under.Flush()
}

func deflate(plain []byte, level int) ([]byte, error) {
	var out bytes.Buffer
	zw, err := zlib.NewWriterLevel(&out, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(plain); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// ReadExact fills buf from the decoded plain-byte stream, decoding further
// compressed envelopes from the underlying transport as needed.
func (c *CompressedTransport) ReadExact(buf []byte) error {
	for c.rbuf.Len() < len(buf) {
		if err := c.readEnvelope(); err != nil {
			return err
		}
	}
	_, err := io.ReadFull(&c.rbuf, buf)
	return err
}

func (c *CompressedTransport) readEnvelope() error {
	hdr := make([]byte, compressedHeaderSize)
	if err := c.under.ReadExact(hdr); err != nil {
		return NewIOError("read compressed envelope header", err)
	}
	compressedLen := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	seq := hdr[3]
	uncompressedLen := int(hdr[4]) | int(hdr[5])<<8 | int(hdr[6])<<16

	if seq != c.seq.Peek() {
		return ErrOutOfOrderSeq
	}
	c.seq.Next()

	body := make([]byte, compressedLen)
	if err := c.under.ReadExact(body); err != nil {
		return NewIOError("read compressed envelope body", err)
	}

	if uncompressedLen == 0 {
		c.rbuf.Write(body)
		return nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return ErrBadCompressionHdr
	}
	defer zr.Close()
	plain := make([]byte, uncompressedLen)
	if _, err := io.ReadFull(zr, plain); err != nil {
		return ErrBadCompressionHdr
	}
	c.rbuf.Write(plain)
	return nil
}

func (c *CompressedTransport) SetDeadline(t time.Time) error { return c.under.SetDeadline(t) }
func (c *CompressedTransport) Shutdown() error               { return c.under.Shutdown() }
func (c *CompressedTransport) RemoteAddr() net.Addr          { return c.under.RemoteAddr() }
func (c *CompressedTransport) IsTLS() bool                   { return c.under.IsTLS() }

func (c *CompressedTransport) UpgradeTLS(ctx context.Context, cfg *tls.Config) error {
	return c.under.UpgradeTLS(ctx, cfg)
}
