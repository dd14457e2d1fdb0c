// Package config parses warden daemon configuration from flags with
// WARDEN_* environment fallbacks.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds every externally tunable parameter of the daemon.
type ServerConfig struct {
	Listen         string
	DBPath         string
	DataRoot       string
	DockerHost     string
	PortRangeMin   int
	PortRangeMax   int
	AddressPool    []string
	APIKeyPepper   string
	LogLevel       string
	TLSMode        string
	TLSDomain      string
	TLSCertFile    string
	TLSKeyFile     string
	CertCacheDir   string
	PprofListen    string

	BindCheckTimeout    time.Duration
	StartupGracePeriod  time.Duration
	DefaultStopGrace    time.Duration
	HealthProbeInterval time.Duration
	HealthProbeGrace    time.Duration
	HealthProbeRetries  int
	MetricsInterval     time.Duration
	ConsoleBufferFrames int
	SecretLength        int
	JanitorInterval     time.Duration
	RequestTimeout      time.Duration
	MaxBodyBytes        int64
}

const (
	defaultListen           = ":8480"
	defaultDBPath           = "./warden.db"
	defaultDataRoot         = "./data/instances"
	defaultDockerHost       = "unix:///var/run/docker.sock"
	defaultPortRangeMin     = 25000
	defaultPortRangeMax     = 26000
	defaultAddressPool      = "0.0.0.0:default"
	defaultBindCheckTimeout = 2 * time.Second
	defaultStartupGrace     = 60 * time.Second
	defaultStopGrace        = 30 * time.Second
	defaultHealthInterval   = 15 * time.Second
	defaultHealthGrace      = 30 * time.Second
	defaultHealthRetries    = 3
	defaultMetricsInterval  = time.Second
	defaultConsoleFrames    = 256
	defaultSecretLength     = 16
	defaultJanitorInterval  = time.Minute
	defaultCertCacheDir     = "./cert"
)

// ParseServerFlags builds a [ServerConfig] from args, falling back to
// WARDEN_* environment variables, then to defaults, and validates it.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:              envOrDefault("WARDEN_LISTEN", defaultListen),
		DBPath:              envOrDefault("WARDEN_DB_PATH", defaultDBPath),
		DataRoot:            envOrDefault("WARDEN_DATA_ROOT", defaultDataRoot),
		DockerHost:          envOrDefault("WARDEN_DOCKER_HOST", defaultDockerHost),
		PortRangeMin:        envIntOrDefault("WARDEN_PORT_RANGE_MIN", defaultPortRangeMin),
		PortRangeMax:        envIntOrDefault("WARDEN_PORT_RANGE_MAX", defaultPortRangeMax),
		APIKeyPepper:        envOrDefault("WARDEN_API_KEY_PEPPER", ""),
		LogLevel:            envOrDefault("WARDEN_LOG_LEVEL", "info"),
		TLSMode:             envOrDefault("WARDEN_TLS_MODE", "off"),
		TLSDomain:           envOrDefault("WARDEN_TLS_DOMAIN", ""),
		TLSCertFile:         envOrDefault("WARDEN_TLS_CERT_FILE", ""),
		TLSKeyFile:          envOrDefault("WARDEN_TLS_KEY_FILE", ""),
		CertCacheDir:        envOrDefault("WARDEN_CERT_CACHE_DIR", defaultCertCacheDir),
		PprofListen:         envOrDefault("WARDEN_PPROF_LISTEN", ""),
		BindCheckTimeout:    defaultBindCheckTimeout,
		StartupGracePeriod:  defaultStartupGrace,
		DefaultStopGrace:    defaultStopGrace,
		HealthProbeInterval: defaultHealthInterval,
		HealthProbeGrace:    defaultHealthGrace,
		HealthProbeRetries:  defaultHealthRetries,
		MetricsInterval:     defaultMetricsInterval,
		ConsoleBufferFrames: defaultConsoleFrames,
		SecretLength:        envIntOrDefault("WARDEN_SECRET_LENGTH", defaultSecretLength),
		JanitorInterval:     defaultJanitorInterval,
		RequestTimeout:      30 * time.Second,
		MaxBodyBytes:        1 * 1024 * 1024,
	}
	pool := envOrDefault("WARDEN_ADDRESS_POOL", defaultAddressPool)

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "Root directory for per-instance persistent storage")
	fs.StringVar(&cfg.DockerHost, "docker-host", cfg.DockerHost, "Docker engine socket or URL")
	fs.IntVar(&cfg.PortRangeMin, "port-min", cfg.PortRangeMin, "Lowest allocatable game port")
	fs.IntVar(&cfg.PortRangeMax, "port-max", cfg.PortRangeMax, "Highest allocatable game port")
	fs.StringVar(&pool, "address-pool", pool, "Comma-separated addr:label endpoint pool")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|static|auto")
	fs.StringVar(&cfg.TLSDomain, "tls-domain", cfg.TLSDomain, "Public hostname for automatic TLS")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Optional pprof listen address")
	fs.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Minimum interval between telemetry samples per subscriber")
	fs.DurationVar(&cfg.DefaultStopGrace, "stop-grace", cfg.DefaultStopGrace, "Default graceful stop window")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.AddressPool = splitPool(pool)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if c.PortRangeMin <= 0 || c.PortRangeMin > 65535 {
		return errors.New("port-min must be between 1 and 65535")
	}
	if c.PortRangeMax < c.PortRangeMin || c.PortRangeMax > 65535 {
		return fmt.Errorf("port-max must be between %d and 65535", c.PortRangeMin)
	}
	if len(c.AddressPool) == 0 {
		return errors.New("address pool must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.TLSMode)) {
	case "off", "static", "auto":
	default:
		return errors.New("tls mode must be one of: off, static, auto")
	}
	if c.TLSMode == "static" && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return errors.New("tls mode static requires --tls-cert-file and --tls-key-file")
	}
	if c.TLSMode == "auto" && strings.TrimSpace(c.TLSDomain) == "" {
		return errors.New("tls mode auto requires --tls-domain")
	}
	if c.SecretLength < 12 {
		return errors.New("secret length must be at least 12")
	}
	if c.MetricsInterval <= 0 {
		return errors.New("metrics interval must be > 0")
	}
	if c.BindCheckTimeout <= 0 {
		return errors.New("bind check timeout must be > 0")
	}
	return nil
}

// PoolEntry is one endpoint address with its human label.
type PoolEntry struct {
	Address string
	Label   string
}

// ParsedAddressPool splits the configured pool entries into address/label
// pairs. Entries without an explicit label get an empty one.
func (c ServerConfig) ParsedAddressPool() []PoolEntry {
	out := make([]PoolEntry, 0, len(c.AddressPool))
	for _, raw := range c.AddressPool {
		addr, label := raw, ""
		if idx := strings.LastIndex(raw, ":"); idx >= 0 && !strings.Contains(raw[idx+1:], ".") {
			addr, label = raw[:idx], raw[idx+1:]
		}
		if addr == "" {
			continue
		}
		out = append(out, PoolEntry{Address: addr, Label: label})
	}
	return out
}

func splitPool(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
