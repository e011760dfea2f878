package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	path := writeConfig(t, `
[ledger]
treasury = "rrrrrrrrrrrrrrrrrrrrBZbvji"
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Service.HTTPPort)
	assert.Equal(t, ":3000", cfg.Addr())
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "memory", cfg.Service.IdempotencyBackend)
	assert.Equal(t, 24*time.Hour, cfg.Service.IdempotencyWindow)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, uint32(20), cfg.Ledger.ValidityMargin)
	assert.Equal(t, "USD", cfg.Ledger.PoolCurrency)
	assert.Equal(t, "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe", cfg.Ledger.PoolIssuer)
	assert.Equal(t, "0.12", cfg.Escrow.YieldRate.String())
	assert.Equal(t, "0.000001", cfg.Escrow.DustThreshold.String())
	assert.Equal(t, 2*time.Minute, cfg.Escrow.ProvisionTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Escrow.ClaimTimeout)
	assert.Equal(t, 30*time.Second, cfg.Escrow.SettleTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialBackoff)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
[service]
http_port = 8081
idempotency_backend = "redis"
idempotency_window = "1h"

[store]
backend = "postgres"
postgres_dsn = "postgres://localhost/yieldlock"

[redis]
addr = "cache:6379"
db = 2

[ledger]
pool_secret = "snoPBrXtMeMyMHUVTgbuqAfg1SUTb"
max_fee_drops = 50

[escrow]
yield_rate = "0.08"

[retry]
max_attempts = 5
initial_backoff = "50ms"
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Service.HTTPPort)
	assert.Equal(t, "redis", cfg.Service.IdempotencyBackend)
	assert.Equal(t, time.Hour, cfg.Service.IdempotencyWindow)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "snoPBrXtMeMyMHUVTgbuqAfg1SUTb", cfg.Ledger.PoolSecret)
	assert.Equal(t, int64(50), cfg.Ledger.MaxFeeDrops)
	assert.Equal(t, "0.08", cfg.Escrow.YieldRate.String())
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.InitialBackoff)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[service]
http_port = 8081

[ledger]
treasury = "rrrrrrrrrrrrrrrrrrrrBZbvji"
`)
	t.Setenv("YIELDLOCK_SERVICE_HTTP_PORT", "9090")
	t.Setenv("YIELDLOCK_LOG_LEVEL", "debug")
	t.Setenv("YIELDLOCK_SIGNING_API_KEY", "key")
	t.Setenv("YIELDLOCK_SIGNING_API_SECRET", "secret")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Service.HTTPPort)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "key", cfg.Signing.APIKey)
	assert.Equal(t, "secret", cfg.Signing.APISecret)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no platform account",
			body: ``,
			want: "ledger.pool_secret or ledger.treasury",
		},
		{
			name: "postgres without dsn",
			body: `
[store]
backend = "postgres"
[ledger]
treasury = "rrrrrrrrrrrrrrrrrrrrBZbvji"
`,
			want: "store.postgres_dsn",
		},
		{
			name: "unknown idempotency backend",
			body: `
[service]
idempotency_backend = "etcd"
[ledger]
treasury = "rrrrrrrrrrrrrrrrrrrrBZbvji"
`,
			want: "idempotency_backend",
		},
		{
			name: "zero yield rate",
			body: `
[escrow]
yield_rate = "0"
[ledger]
treasury = "rrrrrrrrrrrrrrrrrrrrBZbvji"
`,
			want: "escrow.yield_rate must be positive",
		},
		{
			name: "malformed yield rate",
			body: `
[escrow]
yield_rate = "twelve percent"
[ledger]
treasury = "rrrrrrrrrrrrrrrrrrrrBZbvji"
`,
			want: "escrow.yield_rate",
		},
		{
			name: "api key without secret",
			body: `
[signing]
api_key = "k"
[ledger]
treasury = "rrrrrrrrrrrrrrrrrrrrBZbvji"
`,
			want: "signing.api_secret",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
