// Package dbapply applies template SQL to the target Postgres database
// inside a transaction, serialized per template name by a transaction-level
// advisory lock.
package dbapply

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// applierMetrics holds the OTel instruments for the applier. Registered
// against the global delegating provider at init time so they forward to
// the real provider once telemetry is configured by the embedding process.
var applierMetrics struct {
	lockWaitMs metric.Float64Histogram
	applyCount metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/srtd-go/srtd/dbapply")
	applierMetrics.lockWaitMs, _ = m.Float64Histogram("srtd.db.lock_wait_ms",
		metric.WithDescription("Time spent waiting to acquire a template's advisory lock"),
		metric.WithUnit("ms"),
	)
	applierMetrics.applyCount, _ = m.Int64Counter("srtd.db.apply_count",
		metric.WithDescription("Template applications attempted"),
		metric.WithUnit("{apply}"),
	)
}

// Error is the structured, string-safe error record emitted for a failed
// apply. Message is always the first line of the driver's error text —
// never the raw driver error object — per §7's string-safety contract.
type Error struct {
	Template string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("apply %s: %s", e.Template, e.Message)
}

// Applier applies SQL to Postgres under a per-template advisory lock. The
// underlying pool is created lazily from ConnString on first use and is
// safe for concurrent invocation across distinct template names; callers
// must still order applications of different templates according to the
// dependency graph themselves.
type Applier struct {
	ConnString string

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// New creates an Applier for the given Postgres connection string. The pool
// is not opened until the first Apply call.
func New(connString string) *Applier {
	return &Applier{ConnString: connString}
}

func (a *Applier) getPool(ctx context.Context) (*pgxpool.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pool != nil {
		return a.pool, nil
	}

	pool, err := pgxpool.New(ctx, a.ConnString)
	if err != nil {
		return nil, fmt.Errorf("dbapply: create pool: %w", err)
	}
	a.pool = pool
	return a.pool, nil
}

// LockKey derives a deterministic 64-bit advisory lock key from a template
// name: a polynomial byte-sum fold, so identical names always yield
// identical keys and concurrent applications of the same template
// serialize against each other.
func LockKey(templateName string) int64 {
	var h uint64
	for i := 0; i < len(templateName); i++ {
		h = h*31 + uint64(templateName[i]) + uint64(i)
	}
	return int64(h) //nolint:gosec // intentional truncation into signed 64-bit lock key space
}

// Apply executes sql verbatim against the database inside a transaction,
// holding an advisory transaction lock keyed by templateName for the
// duration. On any failure the transaction is rolled back and the driver's
// error is translated into Error, whose Message is always the first line
// of the driver text. silent is accepted to match the engine's Applier
// interface and has no effect here.
func (a *Applier) Apply(ctx context.Context, templateName, sqlText string, silent bool) error {
	_ = silent // unused; the applier always returns a full Error on failure

	applierMetrics.applyCount.Add(ctx, 1, metric.WithAttributes(attribute.String("template", templateName)))

	pool, err := a.getPool(ctx)
	if err != nil {
		return &Error{Template: templateName, Message: firstLine(err.Error())}
	}

	conn, err := acquireWithRetry(ctx, pool)
	if err != nil {
		return &Error{Template: templateName, Message: firstLine(err.Error())}
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return &Error{Template: templateName, Message: firstLine(err.Error())}
	}
	defer func() {
		// Best effort: if Commit already ran, this is a no-op error we ignore.
		_ = tx.Rollback(ctx)
	}()

	lockStart := time.Now()
	key := LockKey(templateName)
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return &Error{Template: templateName, Message: firstLine(err.Error())}
	}
	applierMetrics.lockWaitMs.Record(ctx, float64(time.Since(lockStart).Milliseconds()),
		metric.WithAttributes(attribute.String("template", templateName)))

	if _, err := tx.Exec(ctx, sqlText); err != nil {
		return &Error{Template: templateName, Message: firstLine(err.Error())}
	}

	if err := tx.Commit(ctx); err != nil {
		return &Error{Template: templateName, Message: firstLine(err.Error())}
	}

	return nil
}

// Close releases the connection pool. Safe to call even if the pool was
// never opened. The embedding orchestrator's scoped disposal calls this on
// every exit path, playing the role of the teacher's process-exit hook.
func (a *Applier) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

// firstLine collapses a possibly multi-line driver message to its first
// line, so event-bus consumers never see embedded newlines or stack-trace
// noise (§7).
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// acquireWithRetry acquires a pooled connection, retrying transient
// acquisition failures (pool exhaustion, a connection dropped mid-handshake)
// with a bounded exponential backoff, mirroring the teacher's server-mode
// retry policy for transient connection errors.
func acquireWithRetry(ctx context.Context, pool *pgxpool.Pool) (*pgxpool.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second

	var conn *pgxpool.Conn
	err := backoff.Retry(func() error {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx))

	return conn, err
}
