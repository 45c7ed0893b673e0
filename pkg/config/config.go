// Package config loads the gateway's configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/torgate/torgate/pkg/autoconfig"
)

// Config holds the gateway's runtime configuration, loaded entirely from
// environment variables — there is no config file format.
type Config struct {
	// SocksPort is the SOCKS5 listener port (COMMON_SOCKS_PROXY_PORT).
	SocksPort int

	// DNSPort is the DNS-over-TCP forwarder port (COMMON_DNS_PROXY_PORT),
	// used only when DNSForwardEnabled is true.
	DNSPort int

	// BindAddress is the loopback address every listener binds to.
	BindAddress string

	// StrictMode enables hardening and the non-root enforcement check
	// (SECMEM_STRICT=1).
	StrictMode bool

	// ChaffEnabled turns on the cover-traffic generator (ENABLE_CHAFF=1).
	ChaffEnabled bool

	// ChaffMinInterval / ChaffMaxInterval bound the cover-traffic cadence.
	ChaffMinInterval time.Duration
	ChaffMaxInterval time.Duration

	// DNSForwardEnabled turns on the DNS-over-overlay forwarder
	// (ENABLE_DNS_FORWARD=1). Off by default — operators who prefer SOCKS5
	// remote DNS simply never start it.
	DNSForwardEnabled bool

	// AutoIsolateDomains isolates circuits per destination when the client
	// supplied no SOCKS5 credentials (AUTO_ISOLATE_DOMAINS=1).
	AutoIsolateDomains bool

	// OverlayStateDir / OverlayCacheDir are the directories the embedded
	// overlay client persists state and cache to.
	OverlayStateDir string
	OverlayCacheDir string

	// TLSCertPath / TLSKeyPath enable a TLS listener alongside (or instead
	// of) plaintext TCP when both are set.
	TLSCertPath string
	TLSKeyPath  string

	// HandshakeTimeout bounds how long a client has to complete the SOCKS5
	// greeting/request sequence before the dispatcher drops the connection.
	HandshakeTimeout time.Duration

	// IsolationCapacity bounds the isolation registry's entry count before
	// it is cleared per spec's "clear, don't evict" overflow policy.
	IsolationCapacity int

	// LogLevel controls the structured logger's minimum level.
	LogLevel string
}

// DefaultConfig returns the configuration spec.md §6 describes when no
// environment variables are set.
func DefaultConfig() *Config {
	return &Config{
		SocksPort:          9150,
		DNSPort:            5353,
		BindAddress:        "127.0.0.1",
		StrictMode:         false,
		ChaffEnabled:       false,
		ChaffMinInterval:   30 * time.Second,
		ChaffMaxInterval:   300 * time.Second,
		DNSForwardEnabled:  false,
		AutoIsolateDomains: false,
		OverlayStateDir:    autoconfig.OverlayStateDir(),
		OverlayCacheDir:    autoconfig.OverlayCacheDir(),
		TLSCertPath:        "",
		TLSKeyPath:         "",
		HandshakeTimeout:   10 * time.Second,
		IsolationCapacity:  1024,
		LogLevel:           "info",
	}
}

// LoadFromEnv builds a Config starting from DefaultConfig and overriding
// every field an environment variable is present for, following spec.md §6's
// table exactly (plus the two chaff cadence bounds original_source/src/config.rs
// also reads).
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("COMMON_SOCKS_PROXY_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid COMMON_SOCKS_PROXY_PORT %q: %w", v, err)
		}
		cfg.SocksPort = port
	}

	if v, ok := os.LookupEnv("COMMON_DNS_PROXY_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid COMMON_DNS_PROXY_PORT %q: %w", v, err)
		}
		cfg.DNSPort = port
	}

	cfg.StrictMode = os.Getenv("SECMEM_STRICT") == "1"
	cfg.ChaffEnabled = os.Getenv("ENABLE_CHAFF") == "1"
	cfg.DNSForwardEnabled = os.Getenv("ENABLE_DNS_FORWARD") == "1"
	cfg.AutoIsolateDomains = os.Getenv("AUTO_ISOLATE_DOMAINS") == "1"

	if v, ok := os.LookupEnv("CHAFF_MIN_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAFF_MIN_INTERVAL %q: %w", v, err)
		}
		cfg.ChaffMinInterval = d
	}
	if v, ok := os.LookupEnv("CHAFF_MAX_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAFF_MAX_INTERVAL %q: %w", v, err)
		}
		cfg.ChaffMaxInterval = d
	}

	// XDG_DATA_HOME / XDG_CACHE_HOME are read directly by autoconfig, so
	// DefaultConfig already reflects them; re-read here in case the
	// process environment changed between DefaultConfig() and LoadFromEnv().
	cfg.OverlayStateDir = autoconfig.OverlayStateDir()
	cfg.OverlayCacheDir = autoconfig.OverlayCacheDir()

	if v := os.Getenv("TLS_CERT_PATH"); v != "" {
		cfg.TLSCertPath = v
	}
	if v := os.Getenv("TLS_KEY_PATH"); v != "" {
		cfg.TLSKeyPath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.SocksPort < 1 || c.SocksPort > 65535 {
		return fmt.Errorf("invalid SocksPort: %d", c.SocksPort)
	}
	if c.DNSPort < 1 || c.DNSPort > 65535 {
		return fmt.Errorf("invalid DNSPort: %d", c.DNSPort)
	}
	if c.DNSForwardEnabled && c.SocksPort == c.DNSPort {
		return fmt.Errorf("port conflict: SocksPort and DNSPort both %d", c.SocksPort)
	}
	if c.BindAddress == "" {
		return fmt.Errorf("BindAddress must not be empty")
	}
	if c.ChaffEnabled {
		if c.ChaffMinInterval <= 0 {
			return fmt.Errorf("ChaffMinInterval must be positive")
		}
		if c.ChaffMaxInterval < c.ChaffMinInterval {
			return fmt.Errorf("ChaffMaxInterval must be >= ChaffMinInterval")
		}
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("TLSCertPath and TLSKeyPath must both be set or both be empty")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HandshakeTimeout must be positive")
	}
	if c.IsolationCapacity < 1 {
		return fmt.Errorf("IsolationCapacity must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
