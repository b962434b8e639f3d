package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "realtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8787", cfg.Server.BindAddr)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.Equal(t, "token", cfg.Auth.TokenParam)
	assert.Equal(t, int64(1024*1024), cfg.WS.ReadLimitBytes)
	assert.Equal(t, 45*time.Second, cfg.WS.PongWait)
	assert.Equal(t, 60*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 4, cfg.Events.Workers)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Error(t, cfg.Validate(), "secret is required")
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("RTC_JWT_SECRET", " s3cret ")
	t.Setenv("RTC_BIND_ADDR", ":9000")
	t.Setenv("RTC_CALL_RING_TIMEOUT", "0s")
	t.Setenv("RTC_ICE_SERVERS", "stun:stun.example.org:3478, turn:turn.example.org:3478")
	t.Setenv("RTC_ICE_USERNAME", "u")
	t.Setenv("RTC_ICE_CREDENTIAL", "p")
	t.Setenv("RTC_WS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, ":9000", cfg.Server.BindAddr)
	assert.Zero(t, cfg.Call.RingTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WS.AllowedOrigins)

	servers := cfg.ICEServers()
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, servers[0].URLs)
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, servers[1].URLs)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "p", servers[1].Credential)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  bind_addr: ":7000"
  ws_path: signal
auth:
  jwt_secret: from-file
  issuer: reviews-api
ws:
  pong_wait: 30s
  ping_interval: 40s
events:
  workers: 0
  queue_size: 8
log:
  level: DEBUG
  format: console
`)
	t.Setenv("RTC_BIND_ADDR", ":7100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7100", cfg.Server.BindAddr, "env wins over file")
	assert.Equal(t, "/signal", cfg.Server.WSPath)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "reviews-api", cfg.Auth.Issuer)
	assert.Equal(t, 30*time.Second, cfg.WS.PongWait)
	assert.Equal(t, 15*time.Second, cfg.WS.PingInterval, "ping interval is clamped below pong wait")
	assert.Equal(t, 1, cfg.Events.Workers)
	assert.Equal(t, 32, cfg.Events.QueueSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// Untouched keys keep their defaults.
	assert.Equal(t, "token", cfg.Auth.TokenParam)
	assert.Equal(t, 60*time.Second, cfg.Call.RingTimeout)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load("")
	assert.ErrorContains(t, err, "RTC_JWT_SECRET")

	t.Setenv("RTC_JWT_SECRET", "x")
	t.Setenv("RTC_LOG_FORMAT", "xml")
	_, err = Load("")
	assert.ErrorContains(t, err, "log format")

	t.Setenv("RTC_LOG_FORMAT", "json")
	t.Setenv("RTC_WS_PONG_WAIT", "soon")
	_, err = Load("")
	assert.Error(t, err)
}

func TestICEServers_Empty(t *testing.T) {
	assert.Empty(t, Default().ICEServers())
}
