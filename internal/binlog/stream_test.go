package binlog

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/gomysql/internal/conn"
	"github.com/dbbouncer/gomysql/internal/protocol"
)

func sendPkt(t *testing.T, c net.Conn, payload []byte, seq byte) {
	t.Helper()
	hdr := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	if _, err := c.Write(append(hdr, payload...)); err != nil {
		t.Logf("sendPkt: %v", err)
	}
}

func recvPkt(t *testing.T, c net.Conn) []byte {
	t.Helper()
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(c, hdr); err != nil {
		t.Fatalf("recvPkt header: %v", err)
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c, payload); err != nil {
			t.Fatalf("recvPkt payload: %v", err)
		}
	}
	return payload
}

func buildGreeting() []byte {
	buf := []byte{protocol.ProtocolVersion10}
	buf = append(buf, []byte("8.0.34-fake")...)
	buf = append(buf, 0)
	buf = append(buf, 7, 0, 0, 0)
	buf = append(buf, []byte("abcdefgh")...)
	buf = append(buf, 0)
	caps := uint32(protocol.ClientProtocol41 | protocol.ClientSecureConnection |
		protocol.ClientPluginAuth | protocol.ClientPluginAuthLenencClientData |
		protocol.ClientDeprecateEOF | protocol.ClientTransactions | protocol.ClientLongPassword)
	buf = append(buf, byte(caps), byte(caps>>8))
	buf = append(buf, 0x21, 0x02, 0x00)
	buf = append(buf, byte(caps>>16), byte(caps>>24))
	buf = append(buf, 21)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, []byte("ijklmnopqrst")...)
	buf = append(buf, 0)
	buf = append(buf, []byte(protocol.PluginMySQLNativePassword)...)
	buf = append(buf, 0)
	return buf
}

func okPacketBytes() []byte {
	buf := []byte{0x00}
	buf = protocol.PutLenEncInt(buf, 0)
	buf = protocol.PutLenEncInt(buf, 0)
	buf = append(buf, byte(protocol.StatusAutocommit), byte(protocol.StatusAutocommit>>8))
	buf = append(buf, 0, 0)
	return buf
}

// dumpServer accepts one connection, completes the handshake, then hands
// the post-auth session to fn.
func dumpServer(t *testing.T, fn func(c net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		sendPkt(t, c, buildGreeting(), 0)
		recvPkt(t, c)
		sendPkt(t, c, okPacketBytes(), 2)
		fn(c)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *conn.Conn {
	t.Helper()
	c, err := conn.Connect(context.Background(), conn.Options{
		Network:        "tcp",
		Address:        addr,
		ConnectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func TestDumpBinlogYieldsFramesInOrder(t *testing.T) {
	frames := [][]byte{[]byte("event-one"), []byte("event-two")}
	addr := dumpServer(t, func(c net.Conn) {
		req := recvPkt(t, c)
		if protocol.Command(req[0]) != protocol.ComBinlogDump {
			t.Errorf("expected COM_BINLOG_DUMP, got 0x%02x", req[0])
		}
		for i, f := range frames {
			sendPkt(t, c, append([]byte{0x00}, f...), byte(1+i))
		}
		sendPkt(t, c, []byte{0xfe, 0, 0, 0x02, 0}, byte(1+len(frames)))
	})

	c := dial(t, addr)
	defer c.Disconnect()

	s, err := DumpBinlog(context.Background(), c, 4, 0, 1001, "binlog.000001")
	if err != nil {
		t.Fatalf("DumpBinlog: %v", err)
	}
	if c.State() != conn.StateBinlogPump {
		t.Fatalf("expected binlog-pump state, got %s", c.State())
	}

	for i, want := range frames {
		got, err := s.Next()
		if err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %q want %q", i, got, want)
		}
	}

	got, err := s.Next()
	if err != nil || got != nil {
		t.Fatalf("expected clean end of stream, got frame=%v err=%v", got, err)
	}
	if _, err := s.Next(); err == nil {
		t.Fatal("expected an error reading past the end of a closed stream")
	}
}

func TestDumpBinlogErrTerminatesWithServerError(t *testing.T) {
	addr := dumpServer(t, func(c net.Conn) {
		recvPkt(t, c)
		sendPkt(t, c, append([]byte{0x00}, []byte("first")...), 1)
		errPkt := []byte{0xff, 0x4d, 0x04, '#', 'H', 'Y', '0', '0', '0'}
		errPkt = append(errPkt, []byte("could not find first log file")...)
		sendPkt(t, c, errPkt, 2)
	})

	c := dial(t, addr)
	defer c.Disconnect()

	s, err := DumpBinlog(context.Background(), c, 4, 0, 1001, "binlog.000009")
	if err != nil {
		t.Fatalf("DumpBinlog: %v", err)
	}
	if _, err := s.Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}

	_, err = s.Next()
	se, ok := err.(*protocol.ServerError)
	if !ok {
		t.Fatalf("expected *protocol.ServerError, got %v", err)
	}
	if se.Code != 1101 {
		t.Fatalf("got code %d want 1101", se.Code)
	}
}

func TestDumpBinlogGTIDRequestShape(t *testing.T) {
	gtidSet := []byte{1, 2, 3, 4}
	reqCh := make(chan []byte, 1)
	addr := dumpServer(t, func(c net.Conn) {
		reqCh <- recvPkt(t, c)
		sendPkt(t, c, []byte{0xfe, 0, 0, 0x02, 0}, 1)
	})

	c := dial(t, addr)
	defer c.Disconnect()

	s, err := DumpBinlogGTID(context.Background(), c, protocol.BinlogDumpGTIDNonBlock, 1001, "binlog.000001", 4, gtidSet)
	if err != nil {
		t.Fatalf("DumpBinlogGTID: %v", err)
	}
	if _, err := s.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}

	req := <-reqCh
	if protocol.Command(req[0]) != protocol.ComBinlogDumpGTID {
		t.Fatalf("expected COM_BINLOG_DUMP_GTID, got 0x%02x", req[0])
	}
	if !bytes.HasSuffix(req, gtidSet) {
		t.Fatal("expected the encoded GTID set at the end of the request")
	}
}
