package dsn

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/dbbouncer/gomysql/internal/conn"
	"github.com/dbbouncer/gomysql/internal/pool"
)

// integrationOptions parses DATABASE_URL and applies the COMPRESS/SSL
// toggles. Tests using it are skipped unless a real server is configured.
func integrationOptions(t *testing.T) conn.Options {
	t.Helper()
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		t.Skip("DATABASE_URL not set")
	}
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(DATABASE_URL): %v", err)
	}
	co := p.ConnOptions
	if os.Getenv("COMPRESS") == "true" {
		co.Compress = true
	}
	if os.Getenv("SSL") == "true" {
		co.RequireSSL = true
	}
	if co.ConnectTimeout == 0 {
		co.ConnectTimeout = 5 * time.Second
	}
	return co
}

func TestIntegrationSimpleQuery(t *testing.T) {
	c, err := conn.Connect(context.Background(), integrationOptions(t))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	rows, err := c.Query(context.Background(), "SELECT 1+1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	row, err := rows.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(row[0].Bytes) != "2" {
		t.Fatalf("SELECT 1+1 = %q", row[0].Bytes)
	}
	if _, err := rows.Next(); err != io.EOF {
		t.Fatalf("expected a single row, got %v", err)
	}
}

func TestIntegrationPooledPing(t *testing.T) {
	co := integrationOptions(t)
	p := pool.New(pool.Options{
		Max:            2,
		AcquireTimeout: 5 * time.Second,
		Dial: func(ctx context.Context) (*conn.Conn, error) {
			return conn.Connect(ctx, co)
		},
	})
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pc.Release()

	if err := pc.Conn().Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
