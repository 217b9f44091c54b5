// Package config handles configuration loading and validation for doipmux.
package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/diagnet/doipmux/pkg/bytesize"
	"github.com/diagnet/doipmux/pkg/doip"
)

// DiscoveryConfig holds configuration for UDP vehicle discovery.
type DiscoveryConfig struct {
	Port             int      `yaml:"port"`
	IgnoreInterfaces []string `yaml:"ignore_interfaces"` // filepath.Match patterns, e.g. "docker*"
	PollInterval     string   `yaml:"poll_interval"`     // Duration string, e.g. "50ms"
	Timeout          string   `yaml:"timeout"`           // How long discover listens for answers
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`
	Interval string `yaml:"interval"` // Collector update interval
}

// CaptureConfig holds configuration for frame capture.
type CaptureConfig struct {
	Path    string        `yaml:"path"`     // Empty disables capture
	MaxSize bytesize.Size `yaml:"max_size"` // Uncompressed bytes; 0 means unlimited
}

// TraceConfig holds configuration for the runtime flight recorder.
type TraceConfig struct {
	Enabled bool          `yaml:"enabled"`
	Dir     string        `yaml:"dir"`      // Traces of dropped connections; empty keeps none
	MaxSize bytesize.Size `yaml:"max_size"` // Ring buffer size; 0 uses the recorder default
}

// LokiConfig holds configuration for shipping logs to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"` // Empty disables shipping
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
}

// LoggingConfig holds log output configuration beyond the level.
type LoggingConfig struct {
	Loki LokiConfig `yaml:"loki"`
}

// NodeConfig is a (bus, node) pair from the surrounding tool's hardware
// configuration.
type NodeConfig struct {
	Bus  int `yaml:"bus"`
	Node int `yaml:"node"`
}

// NodeID converts to the wire representation. Call Validate first.
func (n NodeConfig) NodeID() doip.NodeID {
	return doip.NodeID{Bus: uint8(n.Bus), Node: uint8(n.Node)}
}

// SessionConfig describes one logical diagnostic session on a target.
type SessionConfig struct {
	Name        string     `yaml:"name"`
	Client      NodeConfig `yaml:"client"`
	Server      NodeConfig `yaml:"server"`
	FrameLength int        `yaml:"frame_length"` // Bytes per inbound frame, header included
	Request     string     `yaml:"request"`      // Hex payload sent after connecting, without address header
}

// RequestBytes decodes the hex request payload.
func (s SessionConfig) RequestBytes() ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(s.Request, " ", ""))
}

// TargetConfig is one diagnostic gateway reachable over TCP.
type TargetConfig struct {
	Name     string          `yaml:"name"`
	Address  string          `yaml:"address"`
	Sessions []SessionConfig `yaml:"sessions"`
}

// Addr returns the parsed IPv4 address. Call Validate first.
func (t TargetConfig) Addr() netip.Addr {
	a, _ := netip.ParseAddr(t.Address)
	return a
}

// Config is the doipmux configuration file.
type Config struct {
	LogLevel       string          `yaml:"log_level"`
	Port           int             `yaml:"port"`
	ConnectTimeout string          `yaml:"connect_timeout"` // Duration string, e.g. "2s"
	PollInterval   string          `yaml:"poll_interval"`   // Session polling interval
	FrameLength    int             `yaml:"frame_length"`    // Default for sessions that set none
	Discovery      DiscoveryConfig `yaml:"discovery"`
	Metrics        MetricsConfig   `yaml:"metrics"`
	Capture        CaptureConfig   `yaml:"capture"`
	Logging        LoggingConfig   `yaml:"logging"`
	Trace          TraceConfig     `yaml:"trace"`
	Targets        []TargetConfig  `yaml:"targets"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = doip.Port
	}
	if c.ConnectTimeout == "" {
		c.ConnectTimeout = "2s"
	}
	if c.PollInterval == "" {
		c.PollInterval = "20ms"
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = doip.Port
	}
	if c.Discovery.PollInterval == "" {
		c.Discovery.PollInterval = "50ms"
	}
	if c.Discovery.Timeout == "" {
		c.Discovery.Timeout = "3s"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9413"
	}
	if c.Metrics.Interval == "" {
		c.Metrics.Interval = "5s"
	}
	if c.Logging.Loki.FlushInterval == "" {
		c.Logging.Loki.FlushInterval = "5s"
	}
	// Expand home directory in output paths
	c.Capture.Path = expandHome(c.Capture.Path)
	c.Trace.Dir = expandHome(c.Trace.Dir)
	for i := range c.Targets {
		for j := range c.Targets[i].Sessions {
			if c.Targets[i].Sessions[j].FrameLength == 0 {
				c.Targets[i].Sessions[j].FrameLength = c.FrameLength
			}
		}
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
		return fmt.Errorf("discovery.port must be between 1 and 65535")
	}
	durations := []struct {
		name  string
		value string
	}{
		{"connect_timeout", c.ConnectTimeout},
		{"poll_interval", c.PollInterval},
		{"discovery.poll_interval", c.Discovery.PollInterval},
		{"discovery.timeout", c.Discovery.Timeout},
		{"metrics.interval", c.Metrics.Interval},
		{"logging.loki.flush_interval", c.Logging.Loki.FlushInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if u := c.Logging.Loki.URL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("logging.loki.url must be an http(s) URL")
		}
	}
	if c.Logging.Loki.BatchSize < 0 {
		return fmt.Errorf("logging.loki.batch_size must not be negative")
	}
	if c.Capture.MaxSize < 0 {
		return fmt.Errorf("capture.max_size must not be negative")
	}
	if c.Trace.MaxSize < 0 {
		return fmt.Errorf("trace.max_size must not be negative")
	}
	if c.FrameLength != 0 && c.FrameLength <= doip.AddressHeaderLen {
		return fmt.Errorf("frame_length must be greater than %d", doip.AddressHeaderLen)
	}

	targetNames := make(map[string]bool)
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets[%d].name is required", i)
		}
		if targetNames[t.Name] {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		targetNames[t.Name] = true

		addr, err := netip.ParseAddr(t.Address)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("target %s: address must be an IPv4 address", t.Name)
		}

		sessionNames := make(map[string]bool)
		for _, s := range t.Sessions {
			if err := s.validate(); err != nil {
				return fmt.Errorf("target %s: %w", t.Name, err)
			}
			if sessionNames[s.Name] {
				return fmt.Errorf("target %s: duplicate session name %q", t.Name, s.Name)
			}
			sessionNames[s.Name] = true
		}
	}
	return nil
}

func (s SessionConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("session name is required")
	}
	if err := s.Client.validate(); err != nil {
		return fmt.Errorf("session %s: client: %w", s.Name, err)
	}
	if err := s.Server.validate(); err != nil {
		return fmt.Errorf("session %s: server: %w", s.Name, err)
	}
	if s.FrameLength <= doip.AddressHeaderLen {
		return fmt.Errorf("session %s: frame_length must be greater than %d", s.Name, doip.AddressHeaderLen)
	}
	if _, err := s.RequestBytes(); err != nil {
		return fmt.Errorf("session %s: invalid request: %w", s.Name, err)
	}
	return nil
}

func (n NodeConfig) validate() error {
	if n.Bus < 0 || n.Bus > doip.MaxBus {
		return fmt.Errorf("bus must be between 0 and %d", doip.MaxBus)
	}
	if n.Node < 0 || n.Node > doip.MaxNode {
		return fmt.Errorf("node must be between 0 and %d", doip.MaxNode)
	}
	return nil
}

// ApplyLogLevel sets the global zerolog level. It reports whether level
// was non-empty and valid.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}

// ConnectTimeoutDuration returns the parsed connect timeout.
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return mustDuration(c.ConnectTimeout)
}

// PollIntervalDuration returns the parsed session polling interval.
func (c *Config) PollIntervalDuration() time.Duration {
	return mustDuration(c.PollInterval)
}

// PollIntervalDuration returns the parsed receive polling interval.
func (d DiscoveryConfig) PollIntervalDuration() time.Duration {
	return mustDuration(d.PollInterval)
}

// TimeoutDuration returns the parsed listen timeout.
func (d DiscoveryConfig) TimeoutDuration() time.Duration {
	return mustDuration(d.Timeout)
}

// FlushIntervalDuration returns the parsed push interval.
func (l LokiConfig) FlushIntervalDuration() time.Duration {
	return mustDuration(l.FlushInterval)
}

// IntervalDuration returns the parsed collector interval.
func (m MetricsConfig) IntervalDuration() time.Duration {
	return mustDuration(m.Interval)
}

// mustDuration parses a duration that Validate has already checked.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
