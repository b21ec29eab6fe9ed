// Package config holds the tunnel configuration documents: the JSON
// config, the slot pool document, and the tuman:// connection-string
// bundle that packages both together with the cookie file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrFormat indicates a malformed config document, pool document or
// connection string. It is fatal at startup.
var ErrFormat = errors.New("malformed configuration")

// Mode selects the operating role of this process.
type Mode string

const (
	ModeClient Mode = "client"
	ModeServer Mode = "server"
)

// Config is the immutable process configuration. It is loaded once at
// startup and shared read-only by all components.
type Config struct {
	Mode     Mode     `json:"mode"`
	Storage  Storage  `json:"storage"`
	Settings Settings `json:"settings"`
}

// Storage describes the document-store credentials.
type Storage struct {
	CookiesPath   string `json:"cookies_path"`
	EncryptionKey string `json:"encryption_key"`
}

// Settings holds the tunnel engine tuning knobs. Durations are
// expressed in the JSON document as (possibly fractional) seconds.
type Settings struct {
	ProxyPort         int      `json:"proxy_port"`
	Timeout           Duration `json:"timeout"`
	ChunkSize         int      `json:"chunk_size"`
	ChunkIdleTimeout  Duration `json:"chunk_idle_timeout"`
	PollInterval      Duration `json:"poll_interval"`
	CleanupChunks     bool     `json:"cleanup_chunks"`
	TunnelIdleTimeout Duration `json:"tunnel_idle_timeout"`
}

// DefaultSettings returns the settings used when the config document
// omits a key.
func DefaultSettings() Settings {
	return Settings{
		ProxyPort:         8080,
		Timeout:           Duration(120 * time.Second),
		ChunkSize:         500000,
		ChunkIdleTimeout:  Duration(100 * time.Millisecond),
		PollInterval:      Duration(100 * time.Millisecond),
		CleanupChunks:     true,
		TunnelIdleTimeout: Duration(120 * time.Second),
	}
}

// Parse decodes and validates a JSON config document. Missing settings
// keys fall back to DefaultSettings.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Settings: DefaultSettings()}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: config document: %v", ErrFormat, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a config document from disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeClient, ModeServer:
	default:
		return fmt.Errorf("%w: mode must be %q or %q, got %q", ErrFormat, ModeClient, ModeServer, c.Mode)
	}
	if c.Storage.CookiesPath == "" {
		return fmt.Errorf("%w: storage.cookies_path is required", ErrFormat)
	}
	if c.Storage.EncryptionKey == "" {
		return fmt.Errorf("%w: storage.encryption_key is required", ErrFormat)
	}

	s := c.Settings
	if s.ProxyPort < 1 || s.ProxyPort > 65535 {
		return fmt.Errorf("%w: settings.proxy_port out of range: %d", ErrFormat, s.ProxyPort)
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("%w: settings.chunk_size must be positive", ErrFormat)
	}
	for _, d := range []struct {
		name string
		val  Duration
	}{
		{"timeout", s.Timeout},
		{"chunk_idle_timeout", s.ChunkIdleTimeout},
		{"poll_interval", s.PollInterval},
		{"tunnel_idle_timeout", s.TunnelIdleTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%w: settings.%s must be positive", ErrFormat, d.name)
		}
	}
	return nil
}

// Duration is a time.Duration that marshals to/from a JSON number of
// seconds, matching the wire format of the config document.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a number of seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}
