package conn

import (
	"context"

	"github.com/dbbouncer/gomysql/internal/protocol"
)

// IsolationLevel names the SQL standard transaction isolation levels.
type IsolationLevel int

const (
	IsolationDefault IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (l IsolationLevel) clause() string {
	switch l {
	case IsolationReadUncommitted:
		return "READ UNCOMMITTED"
	case IsolationReadCommitted:
		return "READ COMMITTED"
	case IsolationRepeatableRead:
		return "REPEATABLE READ"
	case IsolationSerializable:
		return "SERIALIZABLE"
	default:
		return ""
	}
}

// TxOptions configures StartTransaction.
type TxOptions struct {
	Isolation          IsolationLevel
	ReadOnly           bool
	ConsistentSnapshot bool
}

// Transaction forwards query/exec to the underlying connection and issues
// ROLLBACK on Close unless Commit or Rollback was already called, so an
// abandoned transaction never leaks into the next borrower of the
// connection. Callers must defer Close() at the use site.
type Transaction struct {
	c        *Conn
	resolved bool
}

// StartTransaction issues the isolation-level/read-only SET statements (if
// requested) followed by START TRANSACTION, and returns a guard that rolls
// back on Close unless committed. Nested transactions are disallowed at
// the API level.
func (c *Conn) StartTransaction(ctx context.Context, opts TxOptions) (*Transaction, error) {
	c.mu.Lock()
	nested := c.session.InTransaction
	c.mu.Unlock()
	if nested {
		return nil, protocol.NewDriverError(protocol.NestedTransaction, "")
	}

	if clause := opts.Isolation.clause(); clause != "" {
		if _, err := c.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL "+clause); err != nil {
			return nil, err
		}
	}
	if opts.ReadOnly {
		if _, err := c.Exec(ctx, "SET TRANSACTION READ ONLY"); err != nil {
			return nil, err
		}
	}

	start := "START TRANSACTION"
	if opts.ConsistentSnapshot {
		start += " WITH CONSISTENT SNAPSHOT"
	}
	if _, err := c.Exec(ctx, start); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.session.InTransaction = true
	c.mu.Unlock()
	return &Transaction{c: c}, nil
}

// Query forwards to the underlying connection.
func (tx *Transaction) Query(ctx context.Context, sql string) (*Rows, error) { return tx.c.Query(ctx, sql) }

// Exec forwards to the underlying connection.
func (tx *Transaction) Exec(ctx context.Context, sql string) (*OKResult, error) {
	ok, err := tx.c.Exec(ctx, sql)
	if err != nil {
		return nil, err
	}
	return &OKResult{AffectedRows: ok.AffectedRows, LastInsertID: ok.LastInsertID, Warnings: ok.Warnings}, nil
}

// OKResult is the trimmed view of an OK packet exposed from
// Transaction.Exec.
type OKResult struct {
	AffectedRows uint64
	LastInsertID uint64
	Warnings     uint16
}

// Commit issues COMMIT and marks the guard resolved so Close is a no-op.
func (tx *Transaction) Commit(ctx context.Context) error {
	if tx.resolved {
		return nil
	}
	_, err := tx.c.Exec(ctx, "COMMIT")
	tx.resolved = true
	tx.c.mu.Lock()
	tx.c.session.InTransaction = false
	tx.c.mu.Unlock()
	return err
}

// Rollback issues ROLLBACK and marks the guard resolved so Close is a
// no-op.
func (tx *Transaction) Rollback(ctx context.Context) error {
	if tx.resolved {
		return nil
	}
	_, err := tx.c.Exec(ctx, "ROLLBACK")
	tx.resolved = true
	tx.c.mu.Lock()
	tx.c.session.InTransaction = false
	tx.c.mu.Unlock()
	return err
}

// Close implements the best-effort rollback contract: if neither Commit
// nor Rollback ran, it issues ROLLBACK and swallows any error that
// rollback itself raises, which can only happen on an already-broken
// connection.
func (tx *Transaction) Close() error {
	if tx.resolved {
		return nil
	}
	_ = tx.Rollback(context.Background())
	return nil
}
