package infra

import (
	"encoding/base64"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir switches into dir for the duration of the test (testing.T.Chdir
// requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Pool.FailureThreshold)
	assert.Equal(t, "openai", cfg.Provider.Mode)
	assert.Equal(t, 20*time.Second, cfg.Provider.Timeout)
	assert.InDelta(t, 0.2, cfg.Provider.Temperature, 1e-9)
	assert.Equal(t, uint(2), cfg.Moderation.ClassifyAttempts)
	assert.True(t, cfg.Audit.Async)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Empty(t, cfg.Database.URL)
	assert.Nil(t, cfg.Pool.EncryptionKeyRaw)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	t.Setenv("POOL_FAILURE_THRESHOLD", "3")
	t.Setenv("POOL_ENCRYPTION_KEY", key)
	t.Setenv("DATABASE_URL", "postgres://localhost/toxguard")
	t.Setenv("PROVIDER_MODE", "mock")
	t.Setenv("PROVIDER_TIMEOUT", "15s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pool.FailureThreshold)
	assert.Len(t, cfg.Pool.EncryptionKeyRaw, 32)
	assert.Equal(t, "postgres://localhost/toxguard", cfg.Database.URL)
	assert.Equal(t, "mock", cfg.Provider.Mode)
	assert.Equal(t, 15*time.Second, cfg.Provider.Timeout)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "zero threshold", key: "POOL_FAILURE_THRESHOLD", val: "0"},
		{name: "bad encryption key", key: "POOL_ENCRYPTION_KEY", val: "not base64!"},
		{name: "unknown provider mode", key: "PROVIDER_MODE", val: "carrier-pigeon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(tt.key, tt.val)

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestSignalRoundTrip(t *testing.T) {
	id, on, ok := ParseSignal(FormatSignal("cred-1", true))
	require.True(t, ok)
	assert.Equal(t, "cred-1", id)
	assert.True(t, on)

	id, on, ok = ParseSignal("a:b:off")
	require.True(t, ok)
	assert.Equal(t, "a:b", id)
	assert.False(t, on)

	_, _, ok = ParseSignal("garbage")
	assert.False(t, ok)
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	_, err = NewLogger(LoggerConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)

	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
