package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunsocks.yaml")
	data := []byte(`
proxy:
  host: proxy.example.com
  port: 1080
  username: alice
  password: secret
  tls: true
tun:
  mtu: 1400
session:
  udp_idle: 30s
  udp_per_flow: true
log_level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Proxy.Addr() != "proxy.example.com:1080" {
		t.Errorf("addr mismatch: got %s", cfg.Proxy.Addr())
	}
	if cfg.Proxy.ServerName != "proxy.example.com" {
		t.Errorf("server name mismatch: got %q", cfg.Proxy.ServerName)
	}
	if cfg.Tun.MTU != 1400 {
		t.Errorf("mtu mismatch: got %d, want 1400", cfg.Tun.MTU)
	}
	if cfg.Session.UDPIdle != 30*time.Second {
		t.Errorf("udp idle mismatch: got %v", cfg.Session.UDPIdle)
	}
	if cfg.Session.TCPIdle != DefaultTCPIdle {
		t.Errorf("tcp idle mismatch: got %v, want %v", cfg.Session.TCPIdle, DefaultTCPIdle)
	}
	if !cfg.Session.UDPPerFlow {
		t.Error("udp_per_flow not applied")
	}
	if cfg.Tun.FD != -1 {
		t.Errorf("fd mismatch: got %d, want -1", cfg.Tun.FD)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.Addr() != "127.0.0.1:7890" {
		t.Errorf("default addr mismatch: got %s", cfg.Proxy.Addr())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no host", func(c *Config) { c.Proxy.Host = " " }, true},
		{"bad port", func(c *Config) { c.Proxy.Port = 70000 }, true},
		{"tiny mtu", func(c *Config) { c.Tun.MTU = 100 }, true},
		{"zero mtu filled", func(c *Config) { c.Tun.MTU = 0 }, false},
		{"ipv6 proxy", func(c *Config) { c.Proxy.Host = "::1" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProxyAddrIPv6(t *testing.T) {
	p := ProxyConfig{Host: "::1", Port: 1080}
	if p.Addr() != "[::1]:1080" {
		t.Errorf("addr mismatch: got %s", p.Addr())
	}
}
