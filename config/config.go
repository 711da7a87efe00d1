package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// URLEnvVar overrides the realtime base URL from the file.
const URLEnvVar = "REALTIME_URL"

// defaultPort is used when the base URL has to be derived from the host name.
const defaultPort = "8080"

type Config struct {
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime"`
	Logging  LogConfig      `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type RealtimeConfig struct {
	Backend           string   `json:"backend" yaml:"backend"` // stomp, mqtt or nats
	URL               string   `json:"url" yaml:"url"`
	Endpoints         []string `json:"endpoints" yaml:"endpoints"` // tried in order (stomp only)
	Login             string   `json:"login" yaml:"login"`
	Passcode          string   `json:"passcode" yaml:"passcode"`
	ClientID          string   `json:"clientId" yaml:"clientId"`
	ReconnectDelay    string   `json:"reconnectDelay" yaml:"reconnectDelay"`       // Duration string
	HeartbeatIncoming string   `json:"heartbeatIncoming" yaml:"heartbeatIncoming"` // Duration string, "0s" disables
	HeartbeatOutgoing string   `json:"heartbeatOutgoing" yaml:"heartbeatOutgoing"` // Duration string, "0s" disables
	HandshakeTimeout  string   `json:"handshakeTimeout" yaml:"handshakeTimeout"`   // Duration string

	TLS TLSConfig `json:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enable   bool   `json:"enable" yaml:"enable"`
	CertFile string `json:"certFile" yaml:"certFile"` // optional client certificate
	KeyFile  string `json:"keyFile" yaml:"keyFile"`
	CAFile   string `json:"caFile" yaml:"caFile"` // empty uses the system roots
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`           // debug, info, warn, error
	OutputPath string `json:"outputPath" yaml:"outputPath"` // file path, "stdout" or "stderr"
	Encoding   string `json:"encoding" yaml:"encoding"`     // json or console
	MaxSizeMB  int    `json:"maxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"` // Duration string
}

// Load reads and parses the configuration file. Files ending in .yaml or .yml
// are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.setDefaults()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied, as if loaded
// from an empty file.
func Default() *Config {
	var config Config
	config.setDefaults()
	return &config
}

func (c *Config) setDefaults() {
	// Set defaults for realtime
	if c.Realtime.Backend == "" {
		c.Realtime.Backend = "stomp"
	}
	c.Realtime.URL = ResolveURL(c.Realtime.URL)
	if len(c.Realtime.Endpoints) == 0 && c.Realtime.Backend == "stomp" {
		c.Realtime.Endpoints = []string{"/ws/websocket", "/ws"}
	}
	if c.Realtime.ReconnectDelay == "" {
		c.Realtime.ReconnectDelay = "5s"
	}
	if c.Realtime.HeartbeatIncoming == "" {
		c.Realtime.HeartbeatIncoming = "4s"
	}
	if c.Realtime.HeartbeatOutgoing == "" {
		c.Realtime.HeartbeatOutgoing = "4s"
	}
	if c.Realtime.HandshakeTimeout == "" {
		c.Realtime.HandshakeTimeout = "10s"
	}

	// Set defaults for logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}

	// Set defaults for metrics
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == "" {
		c.Metrics.UpdateInterval = "15s"
	}
}

// ResolveURL picks the realtime base URL: the REALTIME_URL environment
// variable wins, then the configured value, then a URL derived from the host.
func ResolveURL(configured string) string {
	if env := strings.TrimSpace(os.Getenv(URLEnvVar)); env != "" {
		return env
	}
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "ws://" + host + ":" + defaultPort
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate realtime config
	switch cfg.Realtime.Backend {
	case "stomp", "mqtt", "nats":
	default:
		return fmt.Errorf("invalid realtime backend: %s", cfg.Realtime.Backend)
	}

	u, err := url.Parse(cfg.Realtime.URL)
	if err != nil {
		return fmt.Errorf("invalid realtime url: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("realtime url must include a host: %s", cfg.Realtime.URL)
	}

	for _, ep := range cfg.Realtime.Endpoints {
		if !strings.HasPrefix(ep, "/") {
			return fmt.Errorf("endpoint must start with '/': %s", ep)
		}
	}

	if cfg.Realtime.Passcode != "" && cfg.Realtime.Login == "" {
		return fmt.Errorf("login is required when passcode is set")
	}

	durations := map[string]string{
		"reconnect delay":    cfg.Realtime.ReconnectDelay,
		"heartbeat incoming": cfg.Realtime.HeartbeatIncoming,
		"heartbeat outgoing": cfg.Realtime.HeartbeatOutgoing,
		"handshake timeout":  cfg.Realtime.HandshakeTimeout,
	}
	for name, raw := range durations {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if d, _ := time.ParseDuration(cfg.Realtime.ReconnectDelay); d == 0 {
		return fmt.Errorf("reconnect delay must be greater than 0")
	}

	// Validate TLS config if enabled
	if cfg.Realtime.TLS.Enable {
		if cfg.Realtime.TLS.CertFile == "" && cfg.Realtime.TLS.KeyFile != "" {
			return fmt.Errorf("tls cert file is required when a key file is set")
		}
		if cfg.Realtime.TLS.KeyFile == "" && cfg.Realtime.TLS.CertFile != "" {
			return fmt.Errorf("tls key file is required when a cert file is set")
		}
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	return nil
}

// ReconnectDelayDuration returns the parsed reconnect delay.
func (r RealtimeConfig) ReconnectDelayDuration() time.Duration {
	return mustDuration(r.ReconnectDelay)
}

// HeartbeatDurations returns the parsed incoming and outgoing heartbeat intervals.
func (r RealtimeConfig) HeartbeatDurations() (incoming, outgoing time.Duration) {
	return mustDuration(r.HeartbeatIncoming), mustDuration(r.HeartbeatOutgoing)
}

// HandshakeTimeoutDuration returns the parsed handshake timeout.
func (r RealtimeConfig) HandshakeTimeoutDuration() time.Duration {
	return mustDuration(r.HandshakeTimeout)
}

// mustDuration parses a duration that validateConfig already accepted.
func mustDuration(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(backend, realtimeURL, logLevel, metricsAddr, metricsPath string, reconnectDelay, metricsInterval time.Duration) {
	if backend != "" {
		c.Realtime.Backend = backend
	}
	if realtimeURL != "" {
		c.Realtime.URL = realtimeURL
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if reconnectDelay > 0 {
		c.Realtime.ReconnectDelay = reconnectDelay.String()
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
	if metricsInterval > 0 {
		c.Metrics.UpdateInterval = metricsInterval.String()
	}
}

// Validate re-checks the configuration, typically after ApplyOverrides.
func (c *Config) Validate() error {
	return validateConfig(c)
}
