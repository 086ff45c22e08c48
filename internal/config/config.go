package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:7022"`
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// SSH transport settings
	HandshakeTimeout  string `envconfig:"HANDSHAKE_TIMEOUT" default:"30s"`
	KeepaliveInterval string `envconfig:"KEEPALIVE_INTERVAL" default:"10s"`
	KeepaliveCountMax int    `envconfig:"KEEPALIVE_COUNT_MAX" default:"3"`
	BannerTimeout     string `envconfig:"BANNER_TIMEOUT" default:"5s"`
	AlgorithmsFile    string `envconfig:"ALGORITHMS_FILE" default:""`
	KnownHostsPath    string `envconfig:"KNOWN_HOSTS_PATH" default:""`
	MaxConnections    int    `envconfig:"MAX_CONNECTIONS" default:"0"`

	// Connect attempt limiting per host:port (0 disables each mechanism)
	ConnectAttemptsPerMinute int    `envconfig:"CONNECT_ATTEMPTS_PER_MINUTE" default:"10"`
	ConnectMaxFailures       int    `envconfig:"CONNECT_MAX_FAILURES" default:"5"`
	ConnectBlockDuration     string `envconfig:"CONNECT_BLOCK_DURATION" default:"5m"`

	// Terminal session settings
	TerminalType        string `envconfig:"TERMINAL_TYPE" default:"xterm-color"`
	ScrollbackSize      int    `envconfig:"SCROLLBACK_SIZE" default:"65536"`
	SessionOutputBuffer int    `envconfig:"SESSION_OUTPUT_BUFFER" default:"256"`
	SessionIdleTimeout  string `envconfig:"SESSION_IDLE_TIMEOUT" default:"0s"`

	// Tunnel settings
	TunnelOnConnectionLost string `envconfig:"TUNNEL_ON_CONNECTION_LOST" default:"keep"`

	// Audit settings
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHDESK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// DBPath returns the SQLite database path, defaulting to a file under DataPath.
func (s Settings) DBPath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "sshdesk.db")
}

// LogFilePath returns the log file path, defaulting to a file under DataPath.
func (s Settings) LogFilePath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "sshdesk.log")
}

// Duration parses a duration setting, returning def when the value is empty
// or malformed.
func Duration(name, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("WARNING: invalid %s %q, using %s", name, value, def)
		return def
	}
	return d
}
