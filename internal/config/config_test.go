package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected creation on first ensure")
	}
	if cfg.Call.StatsIntervalSec != Default().Call.StatsIntervalSec {
		t.Fatalf("unexpected defaults: %+v", cfg.Call)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Fatal("second ensure must load, not create")
	}
	if cfg2.ICE.Servers[0] != cfg.ICE.Servers[0] {
		t.Fatalf("reload mismatch: %+v", cfg2.ICE)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"identity":{"key_file":"k.key","nickname":"alice"},"call":{"reconnect_attempts":3}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.Nickname != "alice" {
		t.Fatalf("nickname = %q", cfg.Identity.Nickname)
	}
	if cfg.Call.ReconnectAttempts != 3 {
		t.Fatalf("reconnect_attempts = %d", cfg.Call.ReconnectAttempts)
	}
	// Untouched sections keep their defaults.
	if cfg.Call.StatsIntervalSec != Default().Call.StatsIntervalSec {
		t.Fatalf("stats interval lost default: %d", cfg.Call.StatsIntervalSec)
	}
	if len(cfg.ICE.Servers) == 0 {
		t.Fatal("ice servers lost default")
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"key_file":"k"}}`)...)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("load with BOM: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	base := Default()
	base.Identity.KeyFile = "k"

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"bad port", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"bad relay scheme", func(c *Config) { c.Relay.WSURL = "http://relay.example" }},
		{"relay missing host", func(c *Config) { c.Relay.WSURL = "ws://" }},
		{"no ice servers", func(c *Config) { c.ICE.Servers = nil }},
		{"zero stats interval", func(c *Config) { c.Call.StatsIntervalSec = 0 }},
		{"negative reconnect delay", func(c *Config) { c.Call.ReconnectDelaySec = -1 }},
		{"negative reconnect attempts", func(c *Config) { c.Call.ReconnectAttempts = -1 }},
		{"zero disconnect grace", func(c *Config) { c.Call.DisconnectGraceSec = 0 }},
		{"negative bitrate", func(c *Config) { c.Media.VideoBitRate = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidRelayURL(t *testing.T) {
	cfg := Default()
	cfg.Relay.WSURL = "wss://relay.example/call"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("wss url rejected: %v", err)
	}
}

func TestSaveValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.ICE.Servers = nil
	if err := Save(path, cfg); err == nil {
		t.Fatal("expected save of invalid config to fail")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("invalid config must not be written")
	}
}
