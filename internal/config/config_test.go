package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	Load()

	if Cfg.ListenAddr != "127.0.0.1:7022" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:7022", Cfg.ListenAddr)
	}
	if Cfg.KeepaliveCountMax != 3 {
		t.Errorf("KeepaliveCountMax = %d, want 3", Cfg.KeepaliveCountMax)
	}
	if Cfg.TunnelOnConnectionLost != "keep" {
		t.Errorf("TunnelOnConnectionLost = %q, want keep", Cfg.TunnelOnConnectionLost)
	}
	if Cfg.TerminalType != "xterm-color" {
		t.Errorf("TerminalType = %q, want xterm-color", Cfg.TerminalType)
	}
	if Cfg.ConnectMaxFailures != 5 || Cfg.ConnectBlockDuration != "5m" {
		t.Errorf("connect limits = %d/%q, want 5/5m", Cfg.ConnectMaxFailures, Cfg.ConnectBlockDuration)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SSHDESK_HANDSHAKE_TIMEOUT", "12s")
	t.Setenv("SSHDESK_MAX_CONNECTIONS", "7")
	t.Setenv("SSHDESK_TUNNEL_ON_CONNECTION_LOST", "close")
	Load()

	if Cfg.HandshakeTimeout != "12s" {
		t.Errorf("HandshakeTimeout = %q, want 12s", Cfg.HandshakeTimeout)
	}
	if Cfg.MaxConnections != 7 {
		t.Errorf("MaxConnections = %d, want 7", Cfg.MaxConnections)
	}
	if Cfg.TunnelOnConnectionLost != "close" {
		t.Errorf("TunnelOnConnectionLost = %q, want close", Cfg.TunnelOnConnectionLost)
	}
}

func TestDerivedPaths(t *testing.T) {
	s := Settings{DataPath: "/var/lib/sshdesk"}
	if got, want := s.DBPath(), filepath.Join("/var/lib/sshdesk", "sshdesk.db"); got != want {
		t.Errorf("DBPath() = %q, want %q", got, want)
	}
	if got, want := s.LogFilePath(), filepath.Join("/var/lib/sshdesk", "sshdesk.log"); got != want {
		t.Errorf("LogFilePath() = %q, want %q", got, want)
	}

	s.DatabasePath = "/tmp/x.db"
	s.LogPath = "/tmp/x.log"
	if s.DBPath() != "/tmp/x.db" || s.LogFilePath() != "/tmp/x.log" {
		t.Errorf("explicit paths not honoured: %q %q", s.DBPath(), s.LogFilePath())
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		value string
		def   time.Duration
		want  time.Duration
	}{
		{"30s", time.Minute, 30 * time.Second},
		{"", time.Minute, time.Minute},
		{"bogus", 5 * time.Second, 5 * time.Second},
		{"1m30s", 0, 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if got := Duration("TEST", tt.value, tt.def); got != tt.want {
				t.Errorf("Duration(%q) = %s, want %s", tt.value, got, tt.want)
			}
		})
	}
}
