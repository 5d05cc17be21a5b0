package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/models"
)

func getPostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set, skipping PostgreSQL tests")
	}
	return dsn
}

func newPostgresTestStorage(t *testing.T) *PostgresStorage {
	t.Helper()
	dsn := getPostgresDSN(t)
	s, err := NewPostgresStorage(models.DatabaseConfig{DSN: dsn, MaxOpenConns: 10})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStorageConnectionError(t *testing.T) {
	_, err := NewPostgresStorage(models.DatabaseConfig{})
	assert.Error(t, err)
}

func TestPostgresStorageInvalidDSN(t *testing.T) {
	_, err := NewPostgresStorage(models.DatabaseConfig{DSN: "postgres://invalid:5432/nonexistent?connect_timeout=1"})
	assert.Error(t, err)
}

func TestPostgresStorage(t *testing.T) {
	runStorageSuite(t, newPostgresTestStorage(t))
}
