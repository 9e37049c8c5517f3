package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "JWT_SECRET", "JWT_TTL", "STORE_DRIVER", "SCYLLA_HOSTS",
		"REDIS_ADDR", "KAFKA_BROKERS", "NODE_ID"} {
		t.Setenv(key, "")
	}

	cfg, err := Load("8080")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, DriverScylla, cfg.StoreDriver)
	assert.Equal(t, []string{"localhost:9042"}, cfg.ScyllaHosts)
	assert.Equal(t, 24*time.Hour, cfg.JWTTTL)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.RedisAddr)
	assert.True(t, cfg.InsecureSecret())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "sqlite3")
	t.Setenv("SQLITE_DSN", ":memory:")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("NODE_ID", "12")

	cfg, err := Load("8080")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, int64(12), cfg.NodeID)
	assert.False(t, cfg.InsecureSecret())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("Driver", func(t *testing.T) {
		t.Setenv("STORE_DRIVER", "mongo")
		_, err := Load("8080")
		assert.Error(t, err)
	})
	t.Run("NodeID", func(t *testing.T) {
		t.Setenv("NODE_ID", "4096")
		_, err := Load("8080")
		assert.Error(t, err)
	})
	t.Run("TTL", func(t *testing.T) {
		t.Setenv("JWT_TTL", "soon")
		_, err := Load("8080")
		assert.Error(t, err)
	})
}
