package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "alice@CIC", cfg.Identity())
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p2pchat.yml")
	body := "name: bob\nnamespace: UnB\nlisten_port: 6002\nrelay_ttl: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "bob@UnB", cfg.Identity())
	require.Equal(t, 6002, cfg.ListenPort)
	require.Equal(t, 4, cfg.RelayTTL)
	// untouched keys keep their defaults
	require.Equal(t, 7200, cfg.TTLSeconds)
	require.Equal(t, 30, cfg.PingIntervalSec)
}

func TestValidateRejectsLimits(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"long name", func(c *Config) { c.Name = strings.Repeat("x", 65) }},
		{"long namespace", func(c *Config) { c.Namespace = strings.Repeat("y", 65) }},
		{"port zero", func(c *Config) { c.ListenPort = 0 }},
		{"port high", func(c *Config) { c.RendezvousPort = 70000 }},
		{"ttl zero", func(c *Config) { c.TTLSeconds = 0 }},
		{"ttl high", func(c *Config) { c.TTLSeconds = 90000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
}
