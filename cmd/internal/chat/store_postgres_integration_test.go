package chat

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"huddle/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Runs the shared store suite against Postgres when HUDDLE_DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	pool := mustOpenTestPool(t)

	runStoreSuite(t, func(t *testing.T) Store {
		id, err := ids.NewULID(time.Now())
		if err != nil {
			t.Fatalf("ulid: %v", err)
		}
		schema := "huddle_it_" + strings.ToLower(id)
		t.Cleanup(func() { mustDropSchema(t, pool, schema) })

		st, err := NewPostgresStore(pool, WithSchema(schema))
		if err != nil {
			t.Fatalf("new store: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := st.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		// Migrate is idempotent.
		if err := st.Migrate(ctx); err != nil {
			t.Fatalf("migrate again: %v", err)
		}
		return st
	})
}

func TestWithSchema_RejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	for _, schema := range []string{"", "  ", "bad-name", "1abc", `x"; DROP TABLE users; --`} {
		if _, err := NewPostgresStore(nil, WithSchema(schema)); err == nil {
			t.Fatalf("WithSchema(%q): expected error", schema)
		}
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("nil pool: expected error")
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("HUDDLE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: HUDDLE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
