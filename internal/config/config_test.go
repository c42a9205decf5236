package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "unit-test-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Interface)
	assert.Equal(t, 30*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Realtime.IdleTimeout)
	assert.Equal(t, 25*time.Second, cfg.Realtime.PingInterval)
	assert.Equal(t, 3*time.Second, cfg.Realtime.TypingTTL)
	assert.Equal(t, 256, cfg.Realtime.SendBufferSize)
	assert.Equal(t, time.Second, cfg.Reconnect.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxBackoff)
	assert.Equal(t, 2500*time.Millisecond, cfg.Reconnect.SaveDebounce)
	assert.Equal(t, "HS256", cfg.Auth.JWT.SigningMethod)
	assert.Empty(t, cfg.Redis.Host, "redis is off by default")
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("JWT_SECRET", "unit-test-secret")

	path := filepath.Join(t.TempDir(), "config.yml")
	yaml := `
server:
  port: "9090"
redis:
  host: localhost
  port: "6380"
realtime:
  typing_ttl: 5s
  join_rate_limit: 20
reconnect:
  max_backoff: 45s
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr())
	assert.Equal(t, 5*time.Second, cfg.Realtime.TypingTTL)
	assert.Equal(t, 20, cfg.Realtime.JoinRateLimit)
	assert.Equal(t, 45*time.Second, cfg.Reconnect.MaxBackoff)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep their defaults
	assert.Equal(t, 25*time.Second, cfg.Realtime.PingInterval)
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("JWT_SECRET", "unit-test-secret")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("REALTIME_TYPING_TTL", "10s")
	t.Setenv("REALTIME_SEND_BUFFER_SIZE", "512")
	t.Setenv("LOGGING_IS_DEV", "false")

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Realtime.TypingTTL)
	assert.Equal(t, 512, cfg.Realtime.SendBufferSize)
	assert.False(t, cfg.Logging.IsDev)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "unit-test-secret")

	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := getDefaultConfig()
		cfg.Auth.JWT.Secret = "unit-test-secret"
		return cfg
	}

	t.Run("default with secret passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing jwt secret", func(t *testing.T) {
		cfg := valid()
		cfg.Auth.JWT.Secret = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("unsupported signing method", func(t *testing.T) {
		cfg := valid()
		cfg.Auth.JWT.SigningMethod = "RS256"
		assert.Error(t, cfg.Validate())
	})

	t.Run("ping interval must undercut idle timeout", func(t *testing.T) {
		cfg := valid()
		cfg.Realtime.PingInterval = cfg.Realtime.IdleTimeout
		assert.Error(t, cfg.Validate())
	})

	t.Run("idle timeout floor", func(t *testing.T) {
		cfg := valid()
		cfg.Realtime.IdleTimeout = 5 * time.Second
		cfg.Realtime.PingInterval = time.Second
		assert.Error(t, cfg.Validate())
	})

	t.Run("backoff ordering", func(t *testing.T) {
		cfg := valid()
		cfg.Reconnect.MaxBackoff = cfg.Reconnect.InitialBackoff / 2
		assert.Error(t, cfg.Validate())
	})

	t.Run("redis host without port", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Host = "localhost"
		cfg.Redis.Port = ""
		assert.Error(t, cfg.Validate())
	})
}
