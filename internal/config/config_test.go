package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.env"))

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1, cfg.Database.MaxOpenConns)
	assert.Empty(t, cfg.Bank.Endpoint)
	assert.Equal(t, 3, cfg.Bank.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.False(t, cfg.Production())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "PORT=9090\nBANK_ENDPOINT=http://bank.local\nBANK_TIMEOUT_MS=250\nKAFKA_BROKERS=a:9092, b:9092\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("PORT", "7070")
	t.Setenv("ENV", "production")
	t.Setenv("BANK_SIM_OPENING_CASH", "1000")

	cfg := Load(path)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "http://bank.local", cfg.Bank.Endpoint)
	assert.Equal(t, 250*time.Millisecond, cfg.Bank.Timeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Production())
	assert.Equal(t, int64(1000), cfg.Bank.OpeningCash)
	assert.Equal(t, int64(0), cfg.Bank.OpeningCoin)
}
