// Package testutilpg provides a per-test isolated Postgres schema,
// grounded on the teacher's internal/repository/sqlc test harness
// (newSQLCTestQueries): each test gets its own schema under
// TEST_DATABASE_URL/DATABASE_URL, bootstrapped with the governance
// DDL, and dropped on cleanup.
package testutilpg

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"domaindetermine.io/governance/internal/infrastructure"
)

var nonIdentChars = regexp.MustCompile(`[^a-z0-9_]+`)

// NewPool creates an isolated schema named after prefix, bootstraps it
// with the governance schema DDL, and returns a pool scoped to that
// schema's search_path. The schema is dropped when the test completes.
func NewPool(t *testing.T, prefix string) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		t.Fatalf("PostgreSQL test DSN is required: set TEST_DATABASE_URL or DATABASE_URL")
	}

	adminPool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, adminPool.Ping(ctx))

	schema := newSchemaName(prefix)
	_, err = adminPool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA "%s"`, schema))
	require.NoError(t, err)

	schemaDSN, err := dsnWithSearchPath(dsn, schema)
	require.NoError(t, err)

	testPool, err := pgxpool.New(ctx, schemaDSN)
	require.NoError(t, err)
	require.NoError(t, testPool.Ping(ctx))

	_, err = testPool.Exec(ctx, infrastructure.SchemaDDL)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = adminPool.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS "%s" CASCADE`, schema))
		adminPool.Close()
	})
	t.Cleanup(testPool.Close)

	return testPool
}

func dsnWithSearchPath(dsn, schema string) (string, error) {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", err
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	if strings.Contains(dsn, "search_path=") {
		re := regexp.MustCompile(`search_path=\S+`)
		return re.ReplaceAllString(dsn, "search_path="+schema), nil
	}
	return dsn + " search_path=" + schema, nil
}

func newSchemaName(prefix string) string {
	base := strings.ToLower(prefix)
	base = strings.ReplaceAll(base, "-", "_")
	base = nonIdentChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")
	if base == "" {
		base = "governance"
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	const maxPostgresIdentLen = 63
	maxBaseLen := maxPostgresIdentLen - len("t__") - len(suffix)
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
	}
	return fmt.Sprintf("t_%s_%s", base, suffix)
}
