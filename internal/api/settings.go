package api

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/reconflow/internal/config"
)

const (
	// DefaultHost is the loopback interface used when no host override is provided.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the default TCP port for the API server.
	DefaultPort = 8765
	// DefaultMaxBodyBytes limits request payloads to 1 MB.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds handler writes. Event streams lift it.
	DefaultWriteTimeout = 15 * time.Second
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultPingInterval paces websocket keepalives.
	DefaultPingInterval = 30 * time.Second
)

// Settings captures runtime configuration for the HTTP API server.
type Settings struct {
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	PingInterval time.Duration
	MetricsPath  string
}

// DefaultSettings returns settings with every default applied.
func DefaultSettings() Settings {
	s := Settings{}
	s.normalize()
	return s
}

// SettingsFromConfig builds Settings using the project's .reconflow config and environment overrides.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := DefaultSettings()
	if cfg != nil {
		raw := cfg.Project.API
		if host := strings.TrimSpace(raw.Host); host != "" {
			settings.Host = host
		}
		if isValidPort(raw.Port) {
			settings.Port = raw.Port
		}
		settings.ReadTimeout = parseDuration(raw.ReadTimeout, settings.ReadTimeout)
		settings.WriteTimeout = parseDuration(raw.WriteTimeout, settings.WriteTimeout)
		settings.IdleTimeout = parseDuration(raw.IdleTimeout, settings.IdleTimeout)
		if cfg.MetricsEnabled() {
			settings.MetricsPath = cfg.Project.Metrics.Path
		} else {
			settings.MetricsPath = ""
		}
	}
	settings.applyEnvOverrides()
	settings.normalize()
	return settings
}

func (s *Settings) applyEnvOverrides() {
	if s == nil {
		return
	}
	if host := strings.TrimSpace(os.Getenv("RECONFLOW_API_HOST")); host != "" {
		s.Host = host
	}
	if port := strings.TrimSpace(os.Getenv("RECONFLOW_API_PORT")); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && isValidPort(parsed) {
			s.Port = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("RECONFLOW_API_MAX_BODY_BYTES")); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
			s.MaxBodyBytes = parsed
		}
	}
	s.ReadTimeout = parseDuration(os.Getenv("RECONFLOW_API_READ_TIMEOUT"), s.ReadTimeout)
	s.WriteTimeout = parseDuration(os.Getenv("RECONFLOW_API_WRITE_TIMEOUT"), s.WriteTimeout)
}

func (s *Settings) normalize() {
	if s == nil {
		return
	}
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if !isValidPort(s.Port) {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.PingInterval <= 0 {
		s.PingInterval = DefaultPingInterval
	}
	if s.MetricsPath != "" && !strings.HasPrefix(s.MetricsPath, "/") {
		s.MetricsPath = "/" + s.MetricsPath
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}

func parseDuration(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
