package tests

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/require"
)

// PostgresURL creates a fresh database on the server at the PG_URL envvar and
// returns its URL, forced to the UTC timezone. The test is skipped if PG_URL
// isn't set. The database is dropped when the test finishes.
func PostgresURL(t testing.TB) string {
	pgURL := os.Getenv("PG_URL")
	if pgURL == "" {
		t.Skip("PG_URL isn't set")
	}
	ctx := context.Background()
	cfg, err := pgx.ParseConfig(pgURL)
	require.NoError(t, err)
	conn, err := pgx.ConnectConfig(ctx, cfg)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var dbName string
	for i := 0; ; i++ {
		dbName = fmt.Sprintf("db%d", r.Uint64())
		_, err = conn.Exec(ctx, "CREATE DATABASE "+dbName)
		if err == nil {
			break
		}
		require.Less(t, i, 10, "creating database: %s", err)
	}
	t.Cleanup(func() {
		_, _ = conn.Exec(ctx, "DROP DATABASE IF EXISTS "+dbName+" WITH (FORCE)")
		_ = conn.Close(ctx)
	})

	u, err := url.Parse(pgURL)
	require.NoError(t, err)
	u.Path = dbName
	q := u.Query()
	q.Set("timezone", "UTC")
	u.RawQuery = q.Encode()
	return u.String()
}
