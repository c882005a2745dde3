// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the broker's YAML configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the broker's full runtime configuration, immutable after load.
type Config struct {
	Host                 string           `yaml:"host"`
	MyIP                 string           `yaml:"my_ip"`
	GRPCPort             uint16           `yaml:"grpc_port"`
	StreamPortStart      uint16           `yaml:"stream_port_start"`
	StreamPortStop       uint16           `yaml:"stream_port_stop"`
	SocketRecvBufferSize SocketBufferSize `yaml:"socket_recv_buffer_size"`

	Logging   LoggingConfig   `yaml:"logging"`
	Sink      SinkConfig      `yaml:"sink"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Health    HealthConfig    `yaml:"health"`
	RPCTLS    RPCTLSConfig    `yaml:"rpc_tls"`
	Behavior  BehaviorConfig  `yaml:"behavior"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default info
	Format string `yaml:"format"` // json|text, default json
	File   string `yaml:"file"`   // optional extra file sink, default "" (stdout only)
}

// SinkConfig controls what an ingest worker's assembled frames are written to.
type SinkConfig struct {
	Kind             string `yaml:"kind"` // none|file|gzip|s3, default none
	Dir              string `yaml:"dir"`  // base directory for file/gzip kinds
	Bucket           string `yaml:"bucket"`
	Prefix           string `yaml:"prefix"`
	Region           string `yaml:"region"`
	LegacyFixedNames bool   `yaml:"legacy_fixed_names"` // use fixed, colliding sink filenames for parity testing
}

// JanitorConfig controls the periodic maintenance job.
type JanitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, default every 30s
}

// RateLimitConfig optionally caps per-worker ingest packet rate.
type RateLimitConfig struct {
	Enabled       bool `yaml:"enabled"`
	PacketsPerSec int  `yaml:"packets_per_sec"`
}

// HealthConfig controls the optional CIDR-gated health/stats HTTP endpoint.
type HealthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Listen       string   `yaml:"listen"` // default 127.0.0.1:9849
	AllowOrigins []string `yaml:"allow_origins"`

	// ParsedCIDRs is populated by validate(); not read from YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// RPCTLSConfig optionally requires mTLS on the RPC listener.
type RPCTLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	CACert  string `yaml:"ca_cert"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
}

// BehaviorConfig exposes two toggles for edge-case bind behavior that
// operators may need to reproduce for parity testing against an older
// deployment: bind_stub is off by default, leak_port_on_bind_error is on.
type BehaviorConfig struct {
	// BindStub, when true, makes BindStreamPort take an early-return stub
	// branch: it always replies Ok with a hardcoded media server address
	// without popping a port or touching the pool at all.
	BindStub            bool   `yaml:"bind_stub"`
	StubMediaServerIP   string `yaml:"stub_media_server_ip"`
	StubMediaServerPort uint32 `yaml:"stub_media_server_port"`

	// LeakPortOnBindError, when true (the default), does not return a
	// popped port to the pool after a BindPortError. Set to false to
	// return the port instead.
	LeakPortOnBindError *bool `yaml:"leak_port_on_bind_error"`
}

func defaultConfig() Config {
	return Config{
		Host:                 "0.0.0.0",
		GRPCPort:             7080,
		StreamPortStart:      10001,
		StreamPortStop:       20000,
		SocketRecvBufferSize: 1500,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Sink: SinkConfig{
			Kind: "none",
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: everySecondsSchedule(defaultJanitorInterval),
		},
		Health: HealthConfig{
			Listen: "127.0.0.1:9849",
		},
		Behavior: BehaviorConfig{
			StubMediaServerIP:   "192.168.31.164",
			StubMediaServerPort: 10000,
		},
	}
}

// LoadFromFile reads and validates the broker's YAML configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.MyIP == "" {
		ip, err := firstNonLoopbackIP()
		if err == nil {
			c.MyIP = ip
		}
	}
	if c.GRPCPort == 0 {
		c.GRPCPort = 7080
	}
	if c.StreamPortStart == 0 {
		c.StreamPortStart = 10001
	}
	if c.StreamPortStop == 0 {
		c.StreamPortStop = 20000
	}
	if c.StreamPortStart > c.StreamPortStop {
		return fmt.Errorf("stream_port_start (%d) must be <= stream_port_stop (%d)", c.StreamPortStart, c.StreamPortStop)
	}
	if c.SocketRecvBufferSize <= 0 {
		c.SocketRecvBufferSize = 1500
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Sink.Kind == "" {
		c.Sink.Kind = "none"
	}
	switch c.Sink.Kind {
	case "none", "file", "gzip", "s3":
	default:
		return fmt.Errorf("sink.kind must be one of none|file|gzip|s3, got %q", c.Sink.Kind)
	}
	if c.Sink.Kind == "s3" && c.Sink.Bucket == "" {
		return fmt.Errorf("sink.bucket is required when sink.kind is s3")
	}

	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = everySecondsSchedule(defaultJanitorInterval)
	}

	if c.RateLimit.Enabled && c.RateLimit.PacketsPerSec <= 0 {
		return fmt.Errorf("rate_limit.packets_per_sec must be > 0 when rate_limit.enabled is true")
	}

	if c.Health.Enabled {
		if c.Health.Listen == "" {
			c.Health.Listen = "127.0.0.1:9849"
		}
		if len(c.Health.AllowOrigins) == 0 {
			return fmt.Errorf("health.allow_origins is required when health is enabled (deny-by-default)")
		}
		for _, origin := range c.Health.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("health.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Health.ParsedCIDRs = append(c.Health.ParsedCIDRs, cidr)
		}
	}

	if c.RPCTLS.Enabled {
		if c.RPCTLS.CACert == "" || c.RPCTLS.Cert == "" || c.RPCTLS.Key == "" {
			return fmt.Errorf("rpc_tls.ca_cert, rpc_tls.cert and rpc_tls.key are required when rpc_tls.enabled is true")
		}
	}

	if c.Behavior.LeakPortOnBindError == nil {
		leak := true
		c.Behavior.LeakPortOnBindError = &leak
	}
	if c.Behavior.StubMediaServerIP == "" {
		c.Behavior.StubMediaServerIP = "192.168.31.164"
	}
	if c.Behavior.StubMediaServerPort == 0 {
		c.Behavior.StubMediaServerPort = 10000
	}

	return nil
}

// firstNonLoopbackIP returns the first non-loopback IPv4 address bound to
// any local interface, used to fill in my_ip when it is left unset.
func firstNonLoopbackIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IP found")
}

// SocketBufferSize is a byte count that can be set in YAML either as a
// plain integer ("1500") or as a human-readable size string ("64kb",
// "1mb"), parsed via ParseByteSize.
type SocketBufferSize int

// UnmarshalYAML accepts either a scalar integer or a size string for
// socket_recv_buffer_size.
func (s *SocketBufferSize) UnmarshalYAML(value *yaml.Node) error {
	var asInt int
	if err := value.Decode(&asInt); err == nil {
		*s = SocketBufferSize(asInt)
		return nil
	}

	var asStr string
	if err := value.Decode(&asStr); err != nil {
		return fmt.Errorf("socket_recv_buffer_size must be an integer or a size string: %w", err)
	}
	n, err := ParseByteSize(asStr)
	if err != nil {
		return fmt.Errorf("socket_recv_buffer_size: %w", err)
	}
	*s = SocketBufferSize(n)
	return nil
}

// ParseByteSize converts human-readable size strings like "256mb", "1gb"
// into bytes. Accepts a bare number of bytes as well.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}

// defaultJanitorInterval is the janitor sweep period used when
// janitor.schedule is left unset, expressed as a duration rather than an
// inlined cron string so the default period is visible and named once.
const defaultJanitorInterval = 30 * time.Second

// everySecondsSchedule renders d as a seconds-resolution cron expression
// ("*/N * * * * *"), the schedule format internal/janitor expects.
func everySecondsSchedule(d time.Duration) string {
	n := int(d.Seconds())
	if n < 1 {
		n = 1
	}
	return fmt.Sprintf("*/%d * * * * *", n)
}
