//pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ==================== Proxy ====================

type ProxyConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TLS to the proxy's control channel (SOCKS5 over TLS).
	TLS         bool   `yaml:"tls"`
	ServerName  string `yaml:"server_name"`
	Insecure    bool   `yaml:"insecure"`
	Fingerprint string `yaml:"fingerprint"` // chrome, firefox, safari, ios, android, edge, randomized, golang

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Addr returns host:port, bracketing IPv6 literals.
func (p ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ==================== Interface ====================

type TunConfig struct {
	Name string `yaml:"name"`
	// FD is an already-open interface descriptor handed over by the platform.
	// When >= 0 it takes precedence over Name.
	FD  int `yaml:"fd"`
	MTU int `yaml:"mtu"`
}

// ==================== Sessions ====================

type SessionConfig struct {
	MaxSessions       int           `yaml:"max_sessions"`
	TCPIdle           time.Duration `yaml:"tcp_idle"`
	TCPHalfClosedIdle time.Duration `yaml:"tcp_half_closed_idle"`
	UDPIdle           time.Duration `yaml:"udp_idle"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	CloseGrace        time.Duration `yaml:"close_grace"`
	TCPQueue          int           `yaml:"tcp_queue"`
	// UDPPerFlow gives every UDP flow its own association instead of sharing
	// one per local source endpoint.
	UDPPerFlow bool `yaml:"udp_per_flow"`
}

// ==================== Monitor ====================

type MonitorConfig struct {
	Listen       string        `yaml:"listen"` // empty disables the monitor
	PushInterval time.Duration `yaml:"push_interval"`
}

// ==================== Root ====================

type Config struct {
	Proxy    ProxyConfig   `yaml:"proxy"`
	Tun      TunConfig     `yaml:"tun"`
	Session  SessionConfig `yaml:"session"`
	Monitor  MonitorConfig `yaml:"monitor"`
	LogLevel string        `yaml:"log_level"`
}

const (
	DefaultProxyHost         = "127.0.0.1"
	DefaultProxyPort         = 7890
	DefaultMTU               = 1500
	DefaultConnectTimeout    = 10 * time.Second
	DefaultMaxSessions       = 4096
	DefaultTCPIdle           = 120 * time.Second
	DefaultTCPHalfClosedIdle = 300 * time.Second
	DefaultUDPIdle           = 60 * time.Second
	DefaultReapInterval      = 5 * time.Second
	DefaultCloseGrace        = 5 * time.Second
	DefaultTCPQueue          = 256
	DefaultPushInterval      = 2 * time.Second

	minMTU = 576
	maxMTU = 65535
)

func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Host:           DefaultProxyHost,
			Port:           DefaultProxyPort,
			Fingerprint:    "chrome",
			ConnectTimeout: DefaultConnectTimeout,
		},
		Tun: TunConfig{
			Name: "tun0",
			FD:   -1,
			MTU:  DefaultMTU,
		},
		Session: SessionConfig{
			MaxSessions:       DefaultMaxSessions,
			TCPIdle:           DefaultTCPIdle,
			TCPHalfClosedIdle: DefaultTCPHalfClosedIdle,
			UDPIdle:           DefaultUDPIdle,
			ReapInterval:      DefaultReapInterval,
			CloseGrace:        DefaultCloseGrace,
			TCPQueue:          DefaultTCPQueue,
		},
		Monitor: MonitorConfig{
			PushInterval: DefaultPushInterval,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects unusable values and fills zero values with defaults.
func (c *Config) Validate() error {
	c.Proxy.Host = strings.TrimSpace(c.Proxy.Host)
	if c.Proxy.Host == "" {
		return errors.New("proxy host is required")
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", c.Proxy.Port)
	}
	if c.Proxy.Username != "" && (len(c.Proxy.Username) > 255 || len(c.Proxy.Password) > 255) {
		return errors.New("proxy username and password must be at most 255 bytes")
	}
	if c.Proxy.ConnectTimeout <= 0 {
		c.Proxy.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Proxy.TLS && c.Proxy.ServerName == "" && net.ParseIP(c.Proxy.Host) == nil {
		c.Proxy.ServerName = c.Proxy.Host
	}

	if c.Tun.MTU == 0 {
		c.Tun.MTU = DefaultMTU
	}
	if c.Tun.MTU < minMTU || c.Tun.MTU > maxMTU {
		return fmt.Errorf("mtu out of range [%d, %d]: %d", minMTU, maxMTU, c.Tun.MTU)
	}

	s := &c.Session
	if s.MaxSessions <= 0 {
		s.MaxSessions = DefaultMaxSessions
	}
	if s.TCPIdle <= 0 {
		s.TCPIdle = DefaultTCPIdle
	}
	if s.TCPHalfClosedIdle <= 0 {
		s.TCPHalfClosedIdle = DefaultTCPHalfClosedIdle
	}
	if s.UDPIdle <= 0 {
		s.UDPIdle = DefaultUDPIdle
	}
	if s.ReapInterval <= 0 {
		s.ReapInterval = DefaultReapInterval
	}
	if s.CloseGrace <= 0 {
		s.CloseGrace = DefaultCloseGrace
	}
	if s.TCPQueue <= 0 {
		s.TCPQueue = DefaultTCPQueue
	}

	if c.Monitor.PushInterval <= 0 {
		c.Monitor.PushInterval = DefaultPushInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}
