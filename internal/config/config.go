// Package config loads YAML configuration for the Manager, Client, and
// Service runtimes, in the teacher's own load-then-default-then-validate
// style (see the original agen/cellorg internal/config package this was
// adapted from).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthMode mirrors auth.Mode as a YAML-friendly string so config files
// don't need to spell out integer tags.
type AuthMode string

const (
	AuthNone             AuthMode = "none"
	AuthSharedPassword   AuthMode = "shared-password"
	AuthTrustedHostnames AuthMode = "trusted-hostnames"
	AuthLogin            AuthMode = "login"
)

// ManagerConfig configures a standalone Manager process.
type ManagerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	TLS         bool   `yaml:"tls"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`

	Auth     AuthMode `yaml:"auth"`
	Password string   `yaml:"password"`

	DataDir string `yaml:"data_dir"`
	JSON    string `yaml:"json_backend"`

	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`
}

// ClientConfig configures a Client's connection to a Manager.
type ClientConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	TLS        bool   `yaml:"tls"`
	CertFile   string `yaml:"cert_file"`
	PinningDir string `yaml:"pinning_dir"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// ServiceConfig configures a Service's connection to a Manager.
type ServiceConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	TLS      bool   `yaml:"tls"`
	CertFile string `yaml:"cert_file"`

	Name       string `yaml:"name"`
	MaxClients int    `yaml:"max_clients"`

	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	PasswordManager string `yaml:"password_manager"`

	Debug bool `yaml:"debug"`
}

// DefaultManagerConfig mirrors the reference implementation's PORT=1875
// default and a 30 second handshake deadline.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		Host:                    "localhost",
		Port:                    1875,
		TLS:                     true,
		Auth:                    AuthNone,
		DataDir:                 "./data",
		JSON:                    "json",
		HandshakeTimeoutSeconds: 30,
	}
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Host:                  "localhost",
		Port:                  1875,
		TLS:                   true,
		PinningDir:            certDir(),
		RequestTimeoutSeconds: 30,
	}
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Host: "localhost",
		Port: 1875,
		TLS:  true,
	}
}

func certDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".msl-network/certs"
	}
	return home + "/.msl-network/certs"
}

// HandshakeTimeout returns the configured handshake deadline as a
// time.Duration.
func (c *ManagerConfig) HandshakeTimeout() time.Duration {
	if c.HandshakeTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// RequestTimeout returns the configured Client request deadline.
func (c *ClientConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// LoadManagerConfig reads and validates a Manager YAML configuration file.
func LoadManagerConfig(path string) (*ManagerConfig, error) {
	cfg := DefaultManagerConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that Auth names one known mode (empty means none), that
// the shared-password mode has a password, and that Port is positive. Only
// one mode can be selected since Auth is a single value; fields belonging
// to other modes are not inspected.
func (c *ManagerConfig) Validate() error {
	switch c.Auth {
	case AuthNone, AuthSharedPassword, AuthTrustedHostnames, AuthLogin:
	case "":
		c.Auth = AuthNone
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.Auth)
	}
	if c.Auth == AuthSharedPassword && c.Password == "" {
		return fmt.Errorf("config: auth mode %q requires a password", c.Auth)
	}
	if c.Port <= 0 {
		return fmt.Errorf("config: port must be positive, got %d", c.Port)
	}
	return nil
}

// LoadClientConfig reads a Client YAML configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServiceConfig reads a Service YAML configuration file.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
