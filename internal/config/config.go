package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogMode      string `envconfig:"LOG_MODE" default:"console"`

	LogMaxSizeMB  int `envconfig:"LOG_MAX_SIZE_MB" default:"5"`
	LogMaxBackups int `envconfig:"LOG_MAX_BACKUPS" default:"3"`

	// Local API; always bound to loopback
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:19456"`

	// YAML palette file; empty means the built-in Mocha palette
	ThemePath string `envconfig:"THEME_PATH" default:""`

	// Session settings
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	StrictHostKeys    bool          `envconfig:"STRICT_HOST_KEYS" default:"false"`
	TerminalType      string        `envconfig:"TERMINAL_TYPE" default:"xterm-256color"`
	DefaultCols       int           `envconfig:"DEFAULT_COLS" default:"220"`
	DefaultRows       int           `envconfig:"DEFAULT_ROWS" default:"50"`
	SendQueueSize     int           `envconfig:"SEND_QUEUE_SIZE" default:"256"`
	SendBlockTimeout  time.Duration `envconfig:"SEND_BLOCK_TIMEOUT" default:"2s"`
	TunnelBindHost    string        `envconfig:"TUNNEL_BIND_HOST" default:"127.0.0.1"`
	MaxEscapeParams   int           `envconfig:"MAX_ESCAPE_PARAMS" default:"16"`

	// Optional fernet key for macro payloads. When empty a key is generated
	// and kept in the settings table.
	MacroKey string `envconfig:"MACRO_KEY" default:""`
}

var Cfg Settings

// Load reads SESSIONVAULT_* environment variables into Cfg and fills the
// derived paths.
func Load() error {
	if err := envconfig.Process("SESSIONVAULT", &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if Cfg.DataPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		Cfg.DataPath = filepath.Join(home, ".sessionvault")
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "sessionvault.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "sessionvault.log")
	}
	return nil
}
