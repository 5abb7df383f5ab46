// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/wstap/internal/core"
)

// GlobalConfig is the top-level configuration, found under the `wstap:` root
// key in YAML.
type GlobalConfig struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Control   ControlConfig   `mapstructure:"control" yaml:"control"`
	Proxy     ProxyConfig     `mapstructure:"proxy" yaml:"proxy"`
	Intercept InterceptConfig `mapstructure:"intercept" yaml:"intercept"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Schema    SchemaConfig    `mapstructure:"schema" yaml:"schema"`
	Decoder   DecoderConfig   `mapstructure:"decoder" yaml:"decoder"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Action    ActionConfig    `mapstructure:"action" yaml:"action"`
	Sinks     SinksConfig     `mapstructure:"sinks" yaml:"sinks"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
	Loki LokiOutputConfig `mapstructure:"loki" yaml:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string               `mapstructure:"socket" yaml:"socket"`
	PIDFile string               `mapstructure:"pid_file" yaml:"pid_file"`
	Kafka   CommandChannelConfig `mapstructure:"kafka" yaml:"kafka"`
}

// CommandChannelConfig configures the remote command channel over Kafka.
type CommandChannelConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers         []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic           string        `mapstructure:"topic" yaml:"topic"`
	ResponseTopic   string        `mapstructure:"response_topic" yaml:"response_topic"` // empty = no responses
	GroupID         string        `mapstructure:"group_id" yaml:"group_id"`
	AutoOffsetReset string        `mapstructure:"auto_offset_reset" yaml:"auto_offset_reset"` // earliest | latest
	CommandTTL      time.Duration `mapstructure:"command_ttl" yaml:"command_ttl"`
	Target          string        `mapstructure:"target" yaml:"target"` // name matched against command targets, default hostname
}

// ─── Bridge proxy ───

// ProxyConfig configures the local WebSocket bridge.
type ProxyConfig struct {
	Enabled             bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen              string `mapstructure:"listen" yaml:"listen"`
	Upstream            string `mapstructure:"upstream" yaml:"upstream"`
	AllowTargetOverride bool   `mapstructure:"allow_target_override" yaml:"allow_target_override"`
}

// ─── Interception ───

// InterceptConfig configures how upstream connections are dialed and tapped.
type InterceptConfig struct {
	UpstreamProxy    string        `mapstructure:"upstream_proxy" yaml:"upstream_proxy"` // http(s):// or socks5://
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	TapLoopback      bool          `mapstructure:"tap_loopback" yaml:"tap_loopback"`
}

// ─── Relay ───

// RelayConfig configures the collector relay.
type RelayConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	QueueSize        int           `mapstructure:"queue_size" yaml:"queue_size"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// ─── Schema ───

// SchemaConfig locates the schema registry.
type SchemaConfig struct {
	Descriptors  string        `mapstructure:"descriptors" yaml:"descriptors"` // FileDescriptorSet path
	Manifest     string        `mapstructure:"manifest" yaml:"manifest"`       // optional YAML manifest
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// ─── Decoder ───

// DecoderConfig configures frame decoding.
type DecoderConfig struct {
	Namespaces       []string `mapstructure:"namespaces" yaml:"namespaces"` // priority order, first wins
	DefaultNamespace string   `mapstructure:"default_namespace" yaml:"default_namespace"`
	Skip             []string `mapstructure:"skip" yaml:"skip"`
}

// ─── History ───

// HistoryConfig sizes the in-memory ring buffers.
type HistoryConfig struct {
	Events  int `mapstructure:"events" yaml:"events"`
	Unknown int `mapstructure:"unknown" yaml:"unknown"`
}

// ─── Action ───

// ActionConfig configures outbound action messages.
type ActionConfig struct {
	Namespace   string `mapstructure:"namespace" yaml:"namespace"`
	MessageType string `mapstructure:"message_type" yaml:"message_type"`
	Topic       string `mapstructure:"topic" yaml:"topic"`
}

// ─── Sinks ───

// SinksConfig holds optional record mirrors.
type SinksConfig struct {
	Console ConsoleSinkConfig `mapstructure:"console" yaml:"console"`
	Kafka   KafkaSinkConfig   `mapstructure:"kafka" yaml:"kafka"`
}

// ConsoleSinkConfig prints every record to stdout.
type ConsoleSinkConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Format  string `mapstructure:"format" yaml:"format"` // json / text
}

// KafkaSinkConfig enables the Kafka mirror. Options are passed to the sink
// as a raw map and decoded there.
type KafkaSinkConfig struct {
	Enabled bool           `mapstructure:"enabled" yaml:"enabled"`
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `wstap: ...`.
type configRoot struct {
	Wstap GlobalConfig `mapstructure:"wstap"`
}

// Load loads configuration from file.
// The YAML file uses `wstap:` as root key; env vars map through the key
// replacer (e.g., key "wstap.log.level" → env "WSTAP_LOG_LEVEL").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Wstap

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfigInvalid, err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "wstap." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("wstap.control.socket", "/var/run/wstap.sock")
	v.SetDefault("wstap.control.pid_file", "/var/run/wstap.pid")
	v.SetDefault("wstap.control.kafka.enabled", false)
	v.SetDefault("wstap.control.kafka.auto_offset_reset", "latest")
	v.SetDefault("wstap.control.kafka.command_ttl", "5m")

	// Log defaults
	v.SetDefault("wstap.log.level", "info")
	v.SetDefault("wstap.log.format", "json")
	v.SetDefault("wstap.log.outputs.file.enabled", false)
	v.SetDefault("wstap.log.outputs.file.path", "/var/log/wstap/wstap.log")
	v.SetDefault("wstap.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("wstap.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("wstap.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("wstap.log.outputs.file.rotation.compress", true)
	v.SetDefault("wstap.log.outputs.loki.enabled", false)
	v.SetDefault("wstap.log.outputs.loki.batch_size", 100)
	v.SetDefault("wstap.log.outputs.loki.batch_timeout", "5s")

	// Metrics defaults
	v.SetDefault("wstap.metrics.enabled", true)
	v.SetDefault("wstap.metrics.listen", ":9091")
	v.SetDefault("wstap.metrics.path", "/metrics")

	// Bridge defaults
	v.SetDefault("wstap.proxy.enabled", false)
	v.SetDefault("wstap.proxy.listen", "127.0.0.1:9978")
	v.SetDefault("wstap.proxy.allow_target_override", false)

	// Interception defaults
	v.SetDefault("wstap.intercept.handshake_timeout", "45s")
	v.SetDefault("wstap.intercept.tap_loopback", false)

	// Relay defaults
	v.SetDefault("wstap.relay.url", "ws://127.0.0.1:9977/ingest")
	v.SetDefault("wstap.relay.queue_size", 500)
	v.SetDefault("wstap.relay.max_retries", 8)
	v.SetDefault("wstap.relay.handshake_timeout", "5s")
	v.SetDefault("wstap.relay.write_timeout", "5s")

	// Schema defaults
	v.SetDefault("wstap.schema.poll_interval", "100ms")

	// History defaults
	v.SetDefault("wstap.history.events", 200)
	v.SetDefault("wstap.history.unknown", 500)

	// Action defaults
	v.SetDefault("wstap.action.message_type", "SendActionRequest")

	// Sink defaults
	v.SetDefault("wstap.sinks.console.enabled", false)
	v.SetDefault("wstap.sinks.console.format", "text")
	v.SetDefault("wstap.sinks.kafka.enabled", false)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return fmt.Errorf("log.outputs.loki.endpoint is required when loki output is enabled")
	}

	// ── Control ──
	if cfg.Control.Socket == "" {
		return fmt.Errorf("control.socket is required")
	}

	// ── Command channel ──
	if cc := &cfg.Control.Kafka; cc.Enabled {
		if len(cc.Brokers) == 0 {
			return fmt.Errorf("control.kafka.brokers is required when control.kafka.enabled=true")
		}
		if cc.Topic == "" {
			return fmt.Errorf("control.kafka.topic is required when control.kafka.enabled=true")
		}
		if cc.Target == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("failed to get hostname: %w", err)
			}
			cc.Target = hostname
		}
		if cc.GroupID == "" {
			cc.GroupID = "wstap-" + cc.Target
		}
	}

	// ── Bridge ──
	if cfg.Proxy.Enabled {
		if cfg.Proxy.Listen == "" {
			return fmt.Errorf("proxy.listen is required when proxy.enabled=true")
		}
		if cfg.Proxy.Upstream == "" && !cfg.Proxy.AllowTargetOverride {
			return fmt.Errorf("proxy.upstream is required unless proxy.allow_target_override=true")
		}
		if cfg.Proxy.Upstream != "" {
			if err := checkWebSocketURL("proxy.upstream", cfg.Proxy.Upstream); err != nil {
				return err
			}
		}
	}

	// ── Relay ──
	if err := checkWebSocketURL("relay.url", cfg.Relay.URL); err != nil {
		return err
	}
	if cfg.Relay.QueueSize <= 0 {
		return fmt.Errorf("relay.queue_size must be positive, got %d", cfg.Relay.QueueSize)
	}
	if cfg.Relay.MaxRetries <= 0 {
		return fmt.Errorf("relay.max_retries must be positive, got %d", cfg.Relay.MaxRetries)
	}

	// ── History ──
	if cfg.History.Events <= 0 || cfg.History.Unknown <= 0 {
		return fmt.Errorf("history sizes must be positive (events=%d, unknown=%d)",
			cfg.History.Events, cfg.History.Unknown)
	}

	// ── Schema ──
	if cfg.Schema.Manifest != "" && cfg.Schema.Descriptors == "" {
		return fmt.Errorf("schema.manifest requires schema.descriptors")
	}
	if cfg.Schema.PollInterval <= 0 {
		cfg.Schema.PollInterval = 100 * time.Millisecond
	}

	// ── Decoder / action inheritance ──
	if cfg.Decoder.DefaultNamespace == "" && len(cfg.Decoder.Namespaces) > 0 {
		cfg.Decoder.DefaultNamespace = cfg.Decoder.Namespaces[0]
	}
	if cfg.Action.Namespace == "" {
		cfg.Action.Namespace = cfg.Decoder.DefaultNamespace
	}

	// ── Sinks ──
	if f := cfg.Sinks.Console.Format; f != "json" && f != "text" {
		return fmt.Errorf("invalid sinks.console.format: %s (must be json/text)", f)
	}
	if cfg.Sinks.Kafka.Enabled && len(cfg.Sinks.Kafka.Options) == 0 {
		return fmt.Errorf("sinks.kafka.options is required when sinks.kafka.enabled=true")
	}

	return nil
}

func checkWebSocketURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid %s %q: scheme must be ws or wss", key, raw)
	}
	return nil
}
