// Package config loads server configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the realtime backend.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	DB       DBConfig       `mapstructure:"db"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Presence PresenceConfig `mapstructure:"presence"`
	Session  SessionConfig  `mapstructure:"session"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// AllowedOrigins restricts which browser origins may open a WebSocket.
	// Empty means any origin is accepted.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DBConfig configures the SQLite store.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// JournalConfig configures the execution event journal.
type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

// PresenceConfig configures the presence tracker.
type PresenceConfig struct {
	// Grace is how long a detach is held before a presence_leave is
	// broadcast, absorbing rapid reconnects.
	Grace time.Duration `mapstructure:"grace"`
}

// SessionConfig configures the execution session manager.
type SessionConfig struct {
	// QueueCap bounds the per-entity replay buffer; oldest entries are
	// dropped first when exceeded.
	QueueCap int `mapstructure:"queue_cap"`
	// Retention is how long a terminal session with no attached client is
	// kept before garbage collection.
	Retention time.Duration `mapstructure:"retention"`
}

// Load reads configuration from the optional file at path, layered under
// COLLABKIT_* environment overrides and built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("db.path", "data/collab.db")
	v.SetDefault("journal.dir", "data/journals")
	v.SetDefault("presence.grace", time.Second)
	v.SetDefault("session.queue_cap", 500)
	v.SetDefault("session.retention", 30*time.Minute)

	v.SetEnvPrefix("COLLABKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Session.QueueCap <= 0 {
		return nil, fmt.Errorf("session.queue_cap must be positive, got %d", cfg.Session.QueueCap)
	}
	if cfg.Presence.Grace <= 0 {
		return nil, fmt.Errorf("presence.grace must be positive, got %s", cfg.Presence.Grace)
	}

	return &cfg, nil
}
