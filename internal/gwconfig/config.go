// Package gwconfig loads the YAML configuration for the multistreamd
// gateway daemon.
package gwconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSMode mirrors multistream.TLSMode as a YAML-friendly string so the
// config file can say "auto"/"always"/"never" instead of an int.
type TLSMode string

const (
	ModeAuto   TLSMode = "auto"
	ModeAlways TLSMode = "always"
	ModeNever  TLSMode = "never"
)

// Config is the gateway daemon's entire configuration, loaded from a YAML
// file given on the command line.
type Config struct {
	ListenAddress      string   `yaml:"listenAddress"`
	TLSMode            TLSMode  `yaml:"tlsMode"`
	RequireProxyHeader bool     `yaml:"requireProxyHeader"`
	AllowedProxyCIDRs  []string `yaml:"allowedProxyCIDRs"`

	// Manual TLS configuration: a default certificate plus optional
	// additional per-hostname certificates selected by SNI.
	TLSCertFile string           `yaml:"tlsCertFile"`
	TLSKeyFile  string           `yaml:"tlsKeyFile"`
	SNICerts    []SNICertificate `yaml:"sniCerts"`

	PeerJWTSecret      string `yaml:"peerJWTSecret"`
	IdleTimeoutSeconds int    `yaml:"idleTimeoutSeconds"`
}

// SNICertificate names an additional certificate/key pair served when a
// ClientHello's SNI matches Hostname, used to populate a
// multistream.CertificateSelector for multi-tenant listeners.
type SNICertificate struct {
	Hostname string `yaml:"hostname"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// IdleTimeout returns the configured idle timeout as a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c *Config) validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listenAddress must be set")
	}
	switch c.TLSMode {
	case "", ModeAuto, ModeAlways, ModeNever:
	default:
		return fmt.Errorf("tlsMode must be one of auto, always, never, got %q", c.TLSMode)
	}
	if c.TLSMode != ModeNever {
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			return fmt.Errorf("tlsCertFile and tlsKeyFile must be set unless tlsMode is never")
		}
	}
	for _, sc := range c.SNICerts {
		if sc.Hostname == "" || sc.CertFile == "" || sc.KeyFile == "" {
			return fmt.Errorf("sniCerts entries must set hostname, certFile and keyFile")
		}
	}
	if c.PeerJWTSecret == "" {
		return fmt.Errorf("peerJWTSecret must be set")
	}
	if c.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idleTimeoutSeconds cannot be negative")
	}
	return nil
}

// Load reads the configuration from path, unmarshals it, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg := &Config{IdleTimeoutSeconds: 300}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
