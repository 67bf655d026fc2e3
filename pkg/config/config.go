// Package config holds the heromail configuration, read from a TOML file
// on top of DefaultConfig.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all information parsed from the supplied config file.
type Config struct {
	Redis   Redis
	IMAP    IMAP
	SMTP    SMTP
	Storage Storage
	Notify  Notify
	Log     Log
	Metrics Metrics
}

// Redis selects the Redis server. With Embedded set, an in-process server
// is started on Addr and used instead of an external one.
type Redis struct {
	Network  string
	Addr     string
	DB       int
	Embedded bool
}

// IMAP configures the IMAP listener.
type IMAP struct {
	Addr              string
	AllowInsecureAuth bool
	UpperCaseKeys     bool
}

// SMTP configures the delivery listener. LMTP switches the protocol from
// SMTP to LMTP; Network "unix" serves it on a socket path.
type SMTP struct {
	Network         string
	Addr            string
	Domain          string
	LMTP            bool
	ReadTimeout     Duration
	WriteTimeout    Duration
	MaxMessageBytes int64
	MaxRecipients   int
}

// Storage configures how message bodies are stored.
type Storage struct {
	// ExternalizeThreshold is the leaf body size in bytes above which the
	// body moves to the blob store.
	ExternalizeThreshold int64
	ReflowFlowed         bool
	MaxBlobSize          int64
}

// Notify configures wake-up coalescing.
type Notify struct {
	DebounceWindow Duration
	HoldOff        Duration
}

// Log configures the logger. Level is debug, info, warn or error; Format is
// logfmt or json.
type Log struct {
	Level  string
	Format string
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string
}

// Duration is a time.Duration read from a TOML string such as "100ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a single node setup with an embedded Redis.
func DefaultConfig() Config {
	return Config{
		Redis: Redis{
			Network:  "tcp",
			Addr:     "127.0.0.1:6378",
			Embedded: true,
		},
		IMAP: IMAP{
			Addr:              ":1143",
			AllowInsecureAuth: true,
		},
		SMTP: SMTP{
			Network:         "tcp",
			Addr:            ":2525",
			Domain:          "localhost",
			LMTP:            true,
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{10 * time.Second},
			MaxMessageBytes: 25 * 1024 * 1024,
			MaxRecipients:   50,
		},
		Storage: Storage{
			ExternalizeThreshold: 300 * 1024,
			ReflowFlowed:         true,
			MaxBlobSize:          64 * 1024 * 1024,
		},
		Notify: Notify{
			DebounceWindow: Duration{100 * time.Millisecond},
			HoldOff:        Duration{time.Second},
		},
		Log: Log{
			Level:  "info",
			Format: "logfmt",
		},
	}
}

// LoadConfig reads the TOML file at path over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &conf); err != nil {
			return nil, fmt.Errorf("failed to read TOML config file at '%s': %w", path, err)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: Redis.Addr is required")
	}
	if c.Storage.ExternalizeThreshold < 0 {
		return fmt.Errorf("config: Storage.ExternalizeThreshold must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "logfmt", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}
