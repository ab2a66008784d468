package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/ehrpipe/pkg/common/config"
)

func TestPostgresDSN(t *testing.T) {
	cfg := &config.Config{
		PostgresHost:     "db",
		PostgresPort:     "5433",
		PostgresUser:     "ehr",
		PostgresPassword: "secret",
		PostgresDB:       "runs",
		PostgresSSLMode:  "disable",
	}
	require.Equal(t, "host=db user=ehr password=secret dbname=runs port=5433 sslmode=disable", PostgresDSN(cfg))
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{RedisHost: mr.Host(), RedisPort: mr.Port(), RedisDB: 0}
	require.Equal(t, mr.Addr(), RedisOptions(cfg).Addr)

	client, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}
