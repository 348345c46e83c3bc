package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanlink/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ws://127.0.0.1:8766/ws", cfg.Endpoint.URL())
	assert.Equal(t, 10*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Connection.RequestTimeout)
	assert.Equal(t, 8, cfg.Bootstrap.MaxAttempts)
	assert.Equal(t, 2500*time.Millisecond, cfg.Bootstrap.RetryDelay)
	assert.True(t, cfg.Reconnect.Enabled)
}

func TestLoad(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("yaml overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
endpoint:
  address: "scanner.local:9000"
connection:
  request_timeout: 5s
bootstrap:
  max_attempts: 3
  retry_delay: 100ms
logging:
  level: debug
  format: json
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "ws://scanner.local:9000/ws", cfg.Endpoint.URL())
		assert.Equal(t, 5*time.Second, cfg.Connection.RequestTimeout)
		assert.Equal(t, 10*time.Second, cfg.Connection.ConnectTimeout)
		assert.Equal(t, 3, cfg.Bootstrap.MaxAttempts)
		assert.Equal(t, 100*time.Millisecond, cfg.Bootstrap.RetryDelay)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("endpoint: [unterminated"), 0600))

		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("bootstrap:\n  max_attempts: 0\n"), 0600))

		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"wss scheme", func(c *Config) { c.Endpoint.Scheme = "wss" }, false},
		{"bad scheme", func(c *Config) { c.Endpoint.Scheme = "http" }, true},
		{"address without port", func(c *Config) { c.Endpoint.Address = "localhost" }, true},
		{"empty address", func(c *Config) { c.Endpoint.Address = "" }, true},
		{"relative path", func(c *Config) { c.Endpoint.Path = "ws" }, true},
		{"zero connect timeout", func(c *Config) { c.Connection.ConnectTimeout = 0 }, true},
		{"zero request timeout", func(c *Config) { c.Connection.RequestTimeout = 0 }, true},
		{"zero attempts", func(c *Config) { c.Bootstrap.MaxAttempts = 0 }, true},
		{"zero retry delay", func(c *Config) { c.Bootstrap.RetryDelay = 0 }, false},
		{"max below initial", func(c *Config) { c.Reconnect.MaxInterval = time.Millisecond }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"metrics bad addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddr = "nope" }, true},
		{"metrics disabled bad addr", func(c *Config) { c.Metrics.ListenAddr = "nope" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.CodeValidation), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Endpoint.Address = "10.1.2.3:8766"

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestBuildURL(t *testing.T) {
	assert.Equal(t, "ws://h:1/ws", BuildURL("", "h:1", "ws"))
	assert.Equal(t, "wss://h:1/", BuildURL("wss", "h:1", "/"))
	assert.Equal(t, "ws://other:2/ws", Default().Endpoint.WithAddress("other:2").URL())
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("192.168.1.5:8766"))
	assert.NoError(t, ValidateAddress("scanner:8766"))
	assert.Error(t, ValidateAddress("scanner"))
	assert.Error(t, ValidateAddress(""))
}
