package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"p2pchat/internal/proto"
)

// Config holds every tunable recognized by the client. Load decodes the
// YAML file over Default, so keys missing from a partial file keep their
// defaults; a key set explicitly to zero stays zero and fails validation.
type Config struct {
	Name      string `yaml:"name" validate:"required,max=64"`
	Namespace string `yaml:"namespace" validate:"required,max=64"`

	RendezvousHost string `yaml:"rendezvous_host" validate:"required"`
	RendezvousPort int    `yaml:"rendezvous_port" validate:"min=1,max=65535"`

	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port" validate:"min=1,max=65535"`

	TTLSeconds           int `yaml:"ttl_seconds" validate:"min=1,max=86400"`
	DiscoveryIntervalSec int `yaml:"discovery_interval" validate:"min=1"`
	PingIntervalSec      int `yaml:"ping_interval" validate:"min=1"`

	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" validate:"min=1"`
	ReconnectBackoffSec  int `yaml:"reconnect_backoff_base" validate:"min=1"`
	MaxSessions          int `yaml:"max_sessions" validate:"min=1"`
	RelayTTL             int `yaml:"relay_ttl" validate:"min=1"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default mirrors the documented defaults of every option.
func Default() Config {
	return Config{
		Name:                 "alice",
		Namespace:            "CIC",
		RendezvousHost:       "127.0.0.1",
		RendezvousPort:       8080,
		ListenHost:           "0.0.0.0",
		ListenPort:           6000,
		TTLSeconds:           7200,
		DiscoveryIntervalSec: 15,
		PingIntervalSec:      30,
		MaxReconnectAttempts: 5,
		ReconnectBackoffSec:  1,
		MaxSessions:          64,
		RelayTTL:             proto.DefaultRelayTTL,
		LogLevel:             "info",
	}
}

// Load reads a YAML config file and overlays it on the defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against the protocol limits.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, _, err := proto.ParseIdentity(c.Identity()); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Identity returns the local peer identity in name@namespace form.
func (c *Config) Identity() string {
	return proto.Identity(c.Name, c.Namespace)
}

func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSec) * time.Second
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

func (c *Config) ReconnectBackoffBase() time.Duration {
	return time.Duration(c.ReconnectBackoffSec) * time.Second
}

func (c *Config) RendezvousAddr() string {
	return fmt.Sprintf("%s:%d", c.RendezvousHost, c.RendezvousPort)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}
