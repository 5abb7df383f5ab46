package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wstap/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wstap.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
wstap:
  log:
    level: debug
    format: text
  control:
    socket: /tmp/wstap-test.sock
  proxy:
    enabled: true
    listen: 127.0.0.1:19978
    upstream: wss://live.example.com
  intercept:
    upstream_proxy: socks5://127.0.0.1:1080
    handshake_timeout: 10s
  relay:
    url: ws://127.0.0.1:19977/ingest
    queue_size: 50
  schema:
    descriptors: /etc/wstap/live.pb
    manifest: /etc/wstap/manifest.yml
  decoder:
    namespaces: [room, live]
    skip: [HeartbeatMessage]
  sinks:
    kafka:
      enabled: true
      options:
        brokers: [localhost:9092]
        topic: wstap-records
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "/tmp/wstap-test.sock", cfg.Control.Socket)
	assert.True(t, cfg.Proxy.Enabled)
	assert.Equal(t, "wss://live.example.com", cfg.Proxy.Upstream)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.Intercept.UpstreamProxy)
	assert.Equal(t, 10*time.Second, cfg.Intercept.HandshakeTimeout)
	assert.Equal(t, 50, cfg.Relay.QueueSize)
	assert.Equal(t, []string{"room", "live"}, cfg.Decoder.Namespaces)
	assert.Equal(t, "room", cfg.Decoder.DefaultNamespace, "first namespace is the default")
	assert.Equal(t, "room", cfg.Action.Namespace, "action namespace inherits the default")
	assert.Equal(t, []string{"HeartbeatMessage"}, cfg.Decoder.Skip)
	assert.True(t, cfg.Sinks.Kafka.Enabled)
	assert.Equal(t, "wstap-records", cfg.Sinks.Kafka.Options["topic"])
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "wstap: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/run/wstap.sock", cfg.Control.Socket)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Listen)
	assert.False(t, cfg.Proxy.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Intercept.HandshakeTimeout)
	assert.Equal(t, "ws://127.0.0.1:9977/ingest", cfg.Relay.URL)
	assert.Equal(t, 500, cfg.Relay.QueueSize)
	assert.Equal(t, 8, cfg.Relay.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Schema.PollInterval)
	assert.Equal(t, 200, cfg.History.Events)
	assert.Equal(t, 500, cfg.History.Unknown)
	assert.Equal(t, "SendActionRequest", cfg.Action.MessageType)
	assert.False(t, cfg.Sinks.Kafka.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WSTAP_LOG_LEVEL", "warn")
	t.Setenv("WSTAP_RELAY_QUEUE_SIZE", "42")

	cfg, err := Load(writeConfig(t, "wstap:\n  log:\n    level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 42, cfg.Relay.QueueSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "wstap:\n  log:\n    level: loud\n"},
		{"log format", "wstap:\n  log:\n    format: xml\n"},
		{"loki without endpoint", "wstap:\n  log:\n    outputs:\n      loki:\n        enabled: true\n"},
		{"relay scheme", "wstap:\n  relay:\n    url: http://127.0.0.1/ingest\n"},
		{"relay queue", "wstap:\n  relay:\n    queue_size: 0\n"},
		{"proxy without upstream", "wstap:\n  proxy:\n    enabled: true\n"},
		{"proxy upstream scheme", "wstap:\n  proxy:\n    enabled: true\n    upstream: ftp://x\n"},
		{"history", "wstap:\n  history:\n    events: -1\n"},
		{"manifest without descriptors", "wstap:\n  schema:\n    manifest: m.yml\n"},
		{"kafka without options", "wstap:\n  sinks:\n    kafka:\n      enabled: true\n"},
		{"console format", "wstap:\n  sinks:\n    console:\n      format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestCommandChannelDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
wstap:
  control:
    kafka:
      enabled: true
      brokers: [localhost:9092]
      topic: wstap-commands
      target: edge-1
`))
	require.NoError(t, err)
	cc := cfg.Control.Kafka
	assert.Equal(t, "wstap-edge-1", cc.GroupID)
	assert.Equal(t, "latest", cc.AutoOffsetReset)
	assert.Equal(t, 5*time.Minute, cc.CommandTTL)

	_, err = Load(writeConfig(t, "wstap:\n  control:\n    kafka:\n      enabled: true\n"))
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestProxyOverrideWithoutUpstream(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
wstap:
  proxy:
    enabled: true
    allow_target_override: true
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Proxy.Upstream)
}
