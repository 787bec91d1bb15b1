package pool

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbbouncer/gomysql/internal/conn"
	"github.com/dbbouncer/gomysql/internal/protocol"
)

// --- minimal fake MySQL server, mirroring internal/conn's test helpers ---

func sendPkt(t *testing.T, c net.Conn, payload []byte, seq byte) {
	t.Helper()
	hdr := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	if _, err := c.Write(append(hdr, payload...)); err != nil {
		t.Logf("sendPkt: %v", err)
	}
}

func recvPkt(t *testing.T, c net.Conn) {
	t.Helper()
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(c, hdr); err != nil {
		return
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	if length > 0 {
		buf := make([]byte, length)
		io.ReadFull(c, buf)
	}
}

func buildGreeting() []byte {
	buf := []byte{protocol.ProtocolVersion10}
	buf = append(buf, []byte("8.0.34-fake")...)
	buf = append(buf, 0)
	idBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBuf, 7)
	buf = append(buf, idBuf...)
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

// fakeServerListener accepts any number of connections, each handshaking
// successfully and then replying OK to every subsequent command (enough
// for Ping-based health checks and COM_QUIT on close).
func fakeServerListener(t *testing.T) (addr string, dialCount *int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var n int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&n, 1)
			go func(c net.Conn) {
				defer c.Close()
				sendPkt(t, c, buildGreeting(), 0)
				recvPkt(t, c)
				sendPkt(t, c, okPacketBytes(), 2)
				for {
					hdr := make([]byte, 4)
					if _, err := io.ReadFull(c, hdr); err != nil {
						return
					}
					length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
					if length > 0 {
						io.ReadFull(c, make([]byte, length))
					}
					// every command restarts the sequence, so a one-packet
					// OK reply always carries sequence 1
					sendPkt(t, c, okPacketBytes(), 1)
				}
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), &n
}

func realDialer(addr string) func(ctx context.Context) (*conn.Conn, error) {
	return func(ctx context.Context) (*conn.Conn, error) {
		return conn.Connect(ctx, conn.Options{
			Network:        "tcp",
			Address:        addr,
			ConnectTimeout: 2 * time.Second,
		})
	}
}

var errDial = errors.New("dial failed")

func TestPoolAcquireDialFailureDoesNotLeakTotal(t *testing.T) {
	p := New(Options{
		Max:            2,
		AcquireTimeout: 50 * time.Millisecond,
		ConnectTimeout: 50 * time.Millisecond,
		Dial: func(ctx context.Context) (*conn.Conn, error) {
			return nil, errDial
		},
	})
	defer p.Close()

	_, err := p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if st := p.Stats(); st.Total != 0 {
		t.Errorf("expected total to roll back to 0 after dial failure, got %d", st.Total)
	}
}

func TestPoolCloseRejectsFurtherAcquire(t *testing.T) {
	p := New(Options{
		Max: 2,
		Dial: func(ctx context.Context) (*conn.Conn, error) {
			return nil, errDial
		},
	})
	p.Close()

	_, err := p.Acquire(context.Background())
	if err != ErrPoolDisconnected {
		t.Errorf("expected ErrPoolDisconnected, got %v", err)
	}
}

func TestPoolAcquireReleaseReusesIdleConnection(t *testing.T) {
	addr, dialCount := fakeServerListener(t)
	p := New(Options{
		Max:            3,
		AcquireTimeout: 2 * time.Second,
		ConnectTimeout: 2 * time.Second,
		Dial:           realDialer(addr),
	})
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pc.Release()

	pc2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	pc2.Release()

	if got := atomic.LoadInt32(dialCount); got != 1 {
		t.Errorf("expected exactly 1 dial (idle connection reused), got %d", got)
	}
}

func TestPoolAcquireRespectsMax(t *testing.T) {
	addr, _ := fakeServerListener(t)
	p := New(Options{
		Max:            1,
		AcquireTimeout: 100 * time.Millisecond,
		ConnectTimeout: 2 * time.Second,
		Dial:           realDialer(addr),
	})
	defer p.Close()

	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	_, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected second Acquire to time out at Max=1")
	}
	if p.Stats().Exhausted == 0 {
		t.Error("expected Exhausted to increment")
	}
}

func TestPoolReturnWakesWaiter(t *testing.T) {
	addr, dialCount := fakeServerListener(t)
	p := New(Options{
		Max:            1,
		AcquireTimeout: 2 * time.Second,
		ConnectTimeout: 2 * time.Second,
		Dial:           realDialer(addr),
	})
	defer p.Close()

	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		pc, err := p.Acquire(context.Background())
		if err == nil {
			pc.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	first.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter Acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up after Release")
	}

	// the waiter must receive the released connection, not a fresh dial
	if got := atomic.LoadInt32(dialCount); got != 1 {
		t.Errorf("expected the waiter to reuse the returned connection, got %d dials", got)
	}
}

func TestWithConnReleasesAfterUse(t *testing.T) {
	addr, _ := fakeServerListener(t)
	p := New(Options{
		Max:            1,
		AcquireTimeout: 2 * time.Second,
		ConnectTimeout: 2 * time.Second,
		Dial:           realDialer(addr),
	})
	defer p.Close()

	err := p.WithConn(context.Background(), func(c *conn.Conn) error {
		return c.Ping(context.Background())
	})
	if err != nil {
		t.Fatalf("WithConn: %v", err)
	}
	if st := p.Stats(); st.InUse != 0 || st.Idle != 1 {
		t.Fatalf("expected the connection back in idle, got %+v", st)
	}
}

func TestPoolReturnDiscardsExpiredConn(t *testing.T) {
	addr, dialCount := fakeServerListener(t)
	p := New(Options{
		Max:            2,
		ConnTTL:        10 * time.Millisecond,
		AcquireTimeout: 2 * time.Second,
		ConnectTimeout: 2 * time.Second,
		Dial:           realDialer(addr),
	})
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	pc.Release()

	if st := p.Stats(); st.Idle != 0 || st.Total != 0 {
		t.Fatalf("expected the expired connection discarded, got %+v", st)
	}

	pc2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	pc2.Release()
	if got := atomic.LoadInt32(dialCount); got != 2 {
		t.Errorf("expected a fresh dial after expiry, got %d total dials", got)
	}
}
