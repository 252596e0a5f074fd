package config_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/stock"
)

// unset clears keys for the duration of the test.
func unset(t *testing.T, keys ...string) {
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	unset(t, "APP_ADDR", "STORE_DRIVER", "RATE_OVERWRITE", "APP_READ_TIMEOUT", "CORS_ORIGINS", "APP_ENV")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 15*time.Second, cfg.AppReadTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, stock.RateOverwriteTransfer, cfg.ServiceConfig().Validator.RateOverwrite)
}

func TestLoad_FromEnvironment(t *testing.T) {
	unset(t, "APP_ENV")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RATE_OVERWRITE", "transfer_and_consume")
	t.Setenv("REPORT_CONCURRENCY", "8")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("LOCK_TTL", "3s")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 3*time.Second, cfg.LockTTL)

	svc := cfg.ServiceConfig()
	assert.Equal(t, stock.RateOverwriteTransferAndConsume, svc.Validator.RateOverwrite)
	assert.Equal(t, 8, svc.ReportConcurrency)
}

func TestValidate(t *testing.T) {
	base := config.Config{StoreDriver: "sqlite", RateOverwrite: "transfer"}
	require.NoError(t, base.Validate())

	bad := base
	bad.StoreDriver = "mongo"
	assert.Error(t, bad.Validate())

	bad = base
	bad.RateOverwrite = "always"
	assert.Error(t, bad.Validate())

	prod := base
	prod.AppEnv = "production"
	assert.Error(t, prod.Validate(), "production needs a JWT secret")
	prod.JWTSecret = "s3cret"
	assert.NoError(t, prod.Validate())
}

func TestNewLogger_Level(t *testing.T) {
	logger := config.NewLogger(&config.Config{LogLevel: "warn"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}
