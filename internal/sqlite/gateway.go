// Package sqlite implements the store gateway and table access for the
// mirror database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mesh-intelligence/mirror/internal/sqlq"
	"github.com/mesh-intelligence/mirror/pkg/types"
)

// Querier runs parameterized statements. *Gateway and *Tx implement it, so
// table accessors work the same inside and outside a transaction.
type Querier interface {
	// Exec runs a statement and returns the number of rows affected.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// Query runs a statement that returns rows.
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// maxVars is the largest number of bound variables SQLite accepts in one
// statement.
const maxVars = 32766

// eachIn runs "prefix WHERE column IN (...)" once per chunk of values that
// fits under maxVars and hands every result row to scan. Each chunk's rows
// are closed before the next query runs.
func eachIn[T any](ctx context.Context, q Querier, prefix, column string, values []T, scan func(*sql.Rows) error) error {
	for _, chunk := range sqlq.Chunk(values, maxVars) {
		if err := queryIn(ctx, q, prefix, column, chunk, scan); err != nil {
			return err
		}
	}
	return nil
}

func queryIn[T any](ctx context.Context, q Querier, prefix, column string, values []T, scan func(*sql.Rows) error) error {
	in, args, err := sqlq.In(column, values)
	if err != nil {
		return err
	}
	rows, err := q.Query(ctx, prefix+" WHERE "+in, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Opener opens a fresh database handle. The gateway calls it on first use
// and after every failed ping.
type Opener func(ctx context.Context) (*sql.DB, error)

type linkState int

const (
	linkUnknown linkState = iota
	linkUp
	linkDown
)

// Gateway owns the single store connection. A failed Ping drops the handle
// and the next operation reconnects through the Opener.
type Gateway struct {
	mu          sync.Mutex
	open        Opener
	db          *sql.DB
	pingTimeout time.Duration
	logger      *slog.Logger
	link        linkState
	closed      bool
}

// Open validates cfg, creates the database directory, connects, and makes
// sure the schema exists.
func Open(ctx context.Context, cfg types.Config, logger *slog.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	g := NewGateway(DriverOpener(cfg), cfg.PingTimeout, logger)
	if _, err := g.handle(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// NewGateway returns a gateway that connects lazily through open.
func NewGateway(open Opener, pingTimeout time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if pingTimeout <= 0 {
		pingTimeout = types.DefaultPingTimeout
	}
	return &Gateway{
		open:        open,
		pingTimeout: pingTimeout,
		logger:      logger,
	}
}

// handle returns the live handle, connecting first if there is none.
func (g *Gateway) handle(ctx context.Context) (*sql.DB, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, fmt.Errorf("%w: gateway closed", types.ErrStoreUnavailable)
	}
	if g.db != nil {
		return g.db, nil
	}
	db, err := g.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	// One connection serializes every statement and keeps savepoints on
	// the transaction's connection.
	db.SetMaxOpenConns(1)
	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	g.db = db
	return db, nil
}

// invalidate closes and drops the current handle.
func (g *Gateway) invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db != nil {
		_ = g.db.Close()
		g.db = nil
	}
}

// Ping runs a round trip against the store. On failure the handle is
// closed so the next call starts from a clean connection.
func (g *Gateway) Ping(ctx context.Context) bool {
	db, err := g.handle(ctx)
	if err != nil {
		g.markDown(err)
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, g.pingTimeout)
	defer cancel()

	var one int
	if err := db.QueryRowContext(pctx, "SELECT 1").Scan(&one); err != nil {
		g.invalidate()
		g.markDown(err)
		return false
	}
	g.markUp()
	return true
}

func (g *Gateway) markUp() {
	g.mu.Lock()
	prev := g.link
	g.link = linkUp
	g.mu.Unlock()
	if prev != linkUp {
		g.logger.Info("store connected")
	}
}

func (g *Gateway) markDown(err error) {
	g.mu.Lock()
	prev := g.link
	g.link = linkDown
	g.mu.Unlock()
	if prev != linkDown {
		g.logger.Warn("store disconnected", "err", err)
	}
}

// Exec implements Querier.
func (g *Gateway) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	db, err := g.handle(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Query implements Querier.
func (g *Gateway) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db, err := g.handle(ctx)
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, query, args...)
}

// Begin starts a transaction.
func (g *Gateway) Begin(ctx context.Context) (*Tx, error) {
	db, err := g.handle(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Close releases the connection. Later calls fail with ErrStoreUnavailable.
// Close is idempotent.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

// Tx is a store transaction with savepoint support.
type Tx struct {
	tx *sql.Tx
}

// Exec implements Querier.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Query implements Querier.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// Savepoint establishes a named savepoint.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	return t.savepointCmd(ctx, "SAVEPOINT", name)
}

// RollbackTo undoes everything after the named savepoint. The savepoint
// itself stays on the stack.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	return t.savepointCmd(ctx, "ROLLBACK TO SAVEPOINT", name)
}

// Release drops the named savepoint, keeping its changes.
func (t *Tx) Release(ctx context.Context, name string) error {
	return t.savepointCmd(ctx, "RELEASE SAVEPOINT", name)
}

func (t *Tx) savepointCmd(ctx context.Context, verb, name string) error {
	if !sqlq.ValidIdent(name) {
		return fmt.Errorf("%w: savepoint %q", types.ErrInvalidIdentifier, name)
	}
	if _, err := t.tx.ExecContext(ctx, verb+" "+name); err != nil {
		return fmt.Errorf("%s %s: %w", verb, name, err)
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Calling it after Commit is a no-op, so
// it is safe to defer.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
