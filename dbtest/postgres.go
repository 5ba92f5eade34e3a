// Package dbtest starts ephemeral Postgres containers for integration
// tests, applies the consolidated schema, and hands back a tenancy.DB
// connected as a non-superuser role so row-level security is actually
// enforced (a superuser would bypass every policy and the tests would
// prove nothing).
package dbtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"ledgerflow.dev/ingest/tenancy"
)

const (
	postgresImage = "postgres:17"
	superUser     = "postgres"
	superPassword = "postgres"

	// appRole is the role application connections use. It owns nothing
	// and is not a superuser, so every tenant-table policy applies to it.
	appRole     = "ingest_app"
	appPassword = "ingest_app"
)

// SetupPostgres starts a Postgres container and returns the superuser
// connection string and a cleanup function.
func SetupPostgres(ctx context.Context) (string, func(), error) {
	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     superUser,
			"POSTGRES_PASSWORD": superPassword,
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get mapped port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/postgres?sslmode=disable",
		superUser, superPassword, host, port.Port())
	cleanup := func() { _ = container.Terminate(ctx) }
	return connStr, cleanup, nil
}

// StartTenantDB starts a schema-loaded Postgres container and returns a
// tenancy.DB connected as the application role. The container and the
// pool are torn down with the test. Skips the test when no container
// provider is available.
func StartTenantDB(t *testing.T) *tenancy.DB {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	superURL, cleanup, err := SetupPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	applySchema(ctx, t, superURL)

	appURL := strings.Replace(superURL,
		"//"+superUser+":"+superPassword+"@",
		"//"+appRole+":"+appPassword+"@", 1)
	db, err := tenancy.New(ctx, appURL)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

// applySchema loads db/schema.sql as the superuser, then provisions the
// application role with plain table privileges (and no policy bypass).
func applySchema(ctx context.Context, t *testing.T, superURL string) {
	t.Helper()

	conn, err := pgx.Connect(ctx, superURL)
	require.NoError(t, err)
	defer conn.Close(ctx)

	schema, err := os.ReadFile(schemaPath(t))
	require.NoError(t, err)
	_, err = conn.Exec(ctx, string(schema))
	require.NoError(t, err)

	grants := fmt.Sprintf(`
		CREATE ROLE %[1]s LOGIN PASSWORD '%[2]s';
		GRANT USAGE ON SCHEMA public TO %[1]s;
		GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO %[1]s;
		GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA public TO %[1]s;
	`, appRole, appPassword)
	_, err = conn.Exec(ctx, grants)
	require.NoError(t, err)
}

func schemaPath(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	require.True(t, ok, "cannot locate schema file")
	return filepath.Join(filepath.Dir(thisFile), "..", "db", "schema.sql")
}

// SeedUser inserts a tenancy-root user row. Tests pick fixed ids so each
// subtest works in its own tenant.
func SeedUser(t *testing.T, db *tenancy.DB, id int64, email string) {
	t.Helper()
	_, err := db.Pool().Exec(context.Background(),
		`INSERT INTO users (id, email, password_hash) VALUES ($1, $2, ''::bytea) ON CONFLICT (id) DO NOTHING`,
		id, email)
	require.NoError(t, err)
}
