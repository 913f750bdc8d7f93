package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultPGDatabase, cfg.Postgres.Database)
	assert.Equal(t, DefaultGatewayURL, cfg.Channels.WhatsApp.GatewayURL)
	assert.Equal(t, DefaultGraphBaseURL, cfg.Channels.Meta.GraphBaseURL)
	assert.Equal(t, 30, cfg.Channels.ConnectTimeoutSeconds)
	assert.False(t, cfg.Channels.DevMode)
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[log]
level = "debug"

[server]
addr = ":9090"

[auth]
jwt_secret = "topsecret"

[postgres]
host = "db.internal"
password = "pw"

[channels]
dev_mode = true

[channels.telegram]
min_send_delay_ms = 500

[channels.whatsapp]
gateway_url = "wss://bridge.local/ws"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "topsecret", cfg.Auth.JWTSecret)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.True(t, cfg.Channels.DevMode)
	assert.Equal(t, 500, cfg.Channels.Telegram.MinSendDelayMs)
	assert.Equal(t, "wss://bridge.local/ws", cfg.Channels.WhatsApp.GatewayURL)

	// Sections absent from the file keep their defaults.
	assert.Equal(t, DefaultJWTExpiresIn, cfg.Auth.JWTExpiresIn)
	assert.Equal(t, DefaultPGPort, cfg.Postgres.Port)
	assert.Equal(t, DefaultShopBaseURL, cfg.Channels.TikTok.APIBaseURL)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
