package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/database"
	"github.com/coderelay/relay/test/util"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE"} {
		t.Setenv(key, "")
	}

	cfg, err := database.LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "relay", cfg.User)
	assert.Equal(t, "relay", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.example.com")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_USER", "admin")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "production")
	t.Setenv("DB_SSLMODE", "require")

	cfg, err := database.LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "db.example.com", cfg.Host)
	assert.Equal(t, 5433, cfg.Port)
	assert.Equal(t, "require", cfg.SSLMode)
	assert.Contains(t, cfg.DSN(), "dbname=production")
}

func TestLoadConfigFromEnvInvalidPort(t *testing.T) {
	t.Setenv("DB_PORT", "invalid")

	_, err := database.LoadConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid DB_PORT")
}

func TestMigrationsAndHealth(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()

	// Migrations already ran in setup; a second pass is a no-op.
	require.NoError(t, database.RunMigrations(db, "test"))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints`).Scan(&n))
	assert.Equal(t, 0, n)
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_requests`).Scan(&n))
	assert.Equal(t, 0, n)

	health, err := database.Health(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}
