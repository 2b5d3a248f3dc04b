//go:build integration

package dbapply

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres brings up a disposable Postgres container for one test and
// returns its connection string. Terminated via t.Cleanup regardless of how
// the test exits, mirroring the teacher's own container-per-test approach to
// storage-layer integration tests.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("srtd_test"),
		postgres.WithUsername("srtd"),
		postgres.WithPassword("srtd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return connStr
}

func TestApplyCommitsAgainstRealPostgres(t *testing.T) {
	connStr := startPostgres(t)
	a := New(connStr)
	t.Cleanup(a.Close)

	ctx := context.Background()
	err := a.Apply(ctx, "create_widgets", `CREATE TABLE widgets (id serial primary key, name text not null)`, false)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	pool, err := a.getPool(ctx)
	if err != nil {
		t.Fatalf("getPool: %v", err)
	}
	var exists bool
	row := pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'widgets')")
	if err := row.Scan(&exists); err != nil {
		t.Fatalf("check table: %v", err)
	}
	if !exists {
		t.Fatal("widgets table not found after apply; commit did not take effect")
	}
}

func TestApplyRollsBackOnError(t *testing.T) {
	connStr := startPostgres(t)
	a := New(connStr)
	t.Cleanup(a.Close)

	ctx := context.Background()
	if err := a.Apply(ctx, "seed_widgets", `CREATE TABLE widgets (id serial primary key, name text not null)`, false); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	err := a.Apply(ctx, "bad_insert", `INSERT INTO widgets (id, name) VALUES (1, 'a'); SELECT 1/0`, false)
	if err == nil {
		t.Fatal("expected an error from the failing statement")
	}
	var applyErr *Error
	if !errors.As(err, &applyErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}

	pool, err := a.getPool(ctx)
	if err != nil {
		t.Fatalf("getPool: %v", err)
	}
	var count int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM widgets").Scan(&count); err != nil {
		t.Fatalf("count widgets: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to leave widgets empty, got %d rows", count)
	}
}

func TestApplySerializesConcurrentApplicationsOfSameTemplate(t *testing.T) {
	connStr := startPostgres(t)
	a := New(connStr)
	t.Cleanup(a.Close)

	ctx := context.Background()
	if err := a.Apply(ctx, "counter", `CREATE TABLE IF NOT EXISTS hits (n int)`, false); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- a.Apply(ctx, "counter", `INSERT INTO hits (n) VALUES (1)`, false)
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent apply: %v", err)
		}
	}

	pool, err := a.getPool(ctx)
	if err != nil {
		t.Fatalf("getPool: %v", err)
	}
	var count int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM hits").Scan(&count); err != nil {
		t.Fatalf("count hits: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d rows from %d serialized applications, got %d", n, n, count)
	}
}
