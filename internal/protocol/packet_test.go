package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/gomysql/internal/transport"
)

func pipeTransports(t *testing.T) (transport.Transport, transport.Transport) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return transport.NewFromConn(a), transport.NewFromConn(b)
}

func TestPacketRoundTrip(t *testing.T) {
	client, server := pipeTransports(t)

	payload := []byte("select 1")
	go func() {
		w := NewWriter(client, NewSequence(0))
		_ = w.WritePacket(payload)
	}()

	r := NewReader(server, NewSequence(0), 0)
	got, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestPacketSplitAtBoundary(t *testing.T) {
	client, server := pipeTransports(t)

	payload := make([]byte, MaxPayloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		w := NewWriter(client, NewSequence(0))
		done <- w.WritePacket(payload)
	}()

	r := NewReader(server, NewSequence(0), 0)
	got, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got length %d want %d", len(got), len(payload))
	}
	if err := <-done; err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
}

func TestPacketSequenceMismatch(t *testing.T) {
	client, server := pipeTransports(t)

	go func() {
		w := NewWriter(client, NewSequence(5)) // wrong starting sequence
		_ = w.WritePacket([]byte("x"))
	}()

	r := NewReader(server, NewSequence(0), 0)
	if _, err := r.ReadPacket(); err != ErrOutOfOrderSeq {
		t.Fatalf("expected ErrOutOfOrderSeq, got %v", err)
	}
}

func TestPacketExceedsMaxAllowed(t *testing.T) {
	client, server := pipeTransports(t)

	go func() {
		w := NewWriter(client, NewSequence(0))
		_ = w.WritePacket(make([]byte, 100))
	}()

	r := NewReader(server, NewSequence(0), 10)
	if _, err := r.ReadPacket(); err != ErrPacketTooLarge {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
}

func TestSequenceCounterWrapsModulo256(t *testing.T) {
	client, server := pipeTransports(t)

	go func() {
		w := NewWriter(client, NewSequence(255))
		_ = w.WritePacket([]byte("a"))
		_ = w.WritePacket([]byte("b"))
	}()

	r := NewReader(server, NewSequence(255), 0)
	if _, err := r.ReadPacket(); err != nil {
		t.Fatalf("first ReadPacket: %v", err)
	}
	if r.Seq() != 0 {
		t.Fatalf("expected sequence to wrap to 0, got %d", r.Seq())
	}
	if _, err := r.ReadPacket(); err != nil {
		t.Fatalf("second ReadPacket: %v", err)
	}
}

func TestReadDeadlineSurfacesAsIOError(t *testing.T) {
	_, server := pipeTransports(t)
	_ = server.SetDeadline(time.Now().Add(5 * time.Millisecond))

	r := NewReader(server, NewSequence(0), 0)
	if _, err := r.ReadPacket(); err == nil {
		t.Fatal("expected a deadline error")
	}
}

func TestPacketLargePayloadRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("17 MiB round trip")
	}
	client, server := pipeTransports(t)

	payload := make([]byte, MaxPayloadLen+1<<20)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	done := make(chan error, 1)
	go func() {
		w := NewWriter(client, NewSequence(0))
		done <- w.WritePacket(payload)
	}()

	r := NewReader(server, NewSequence(0), 0)
	got, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got length %d want %d", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("payload differs at byte %d", i)
		}
	}
	if r.Seq() != 2 {
		t.Fatalf("expected two frames consumed, reader at seq %d", r.Seq())
	}
}
