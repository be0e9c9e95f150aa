package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := OpenRedis(RedisConfig{Addr: mr.Addr()})
	defer client.Close()

	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestOpenRedisDoesNotProbeConnection(t *testing.T) {
	// Redis being down must not block startup; the limiter fails open.
	client := OpenRedis(RedisConfig{Addr: "127.0.0.1:1"})
	defer client.Close()
	assert.NotNil(t, client)
}

func TestOpenPostgresRejectsUnreachableDatabase(t *testing.T) {
	_, err := OpenPostgres(context.Background(), PostgresConfig{
		URL: "postgres://127.0.0.1:1/folio?sslmode=disable",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping")
}
