package sshtunnel

import (
	"errors"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"local defaults", Config{Type: TypeLocal}, false},
		{"dynamic defaults", Config{Type: TypeDynamic}, false},
		{"remote with local port", Config{Type: TypeRemote, LocalPort: 8080}, false},
		{"remote without local port", Config{Type: TypeRemote, RemotePort: 9000}, true},
		{"unknown type", Config{Type: "udp"}, true},
		{"empty type", Config{}, true},
		{"port too large", Config{Type: TypeLocal, RemotePort: 70000}, true},
		{"negative bind port", Config{Type: TypeLocal, BindPort: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v should wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigAddresses(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"local bind default", Config{Type: TypeLocal}.localBind(), "127.0.0.1:0"},
		{"local bind from localHost/localPort", Config{Type: TypeLocal, LocalHost: "0.0.0.0", LocalPort: 8080}.localBind(), "0.0.0.0:8080"},
		{"bind fields win", Config{Type: TypeLocal, LocalPort: 8080, BindAddress: "127.0.0.2", BindPort: 9090}.localBind(), "127.0.0.2:9090"},
		{"dynamic bind default", Config{Type: TypeDynamic}.localBind(), "127.0.0.1:1080"},
		{"local target default", Config{Type: TypeLocal}.localTarget(), "127.0.0.1:22"},
		{"local target", Config{Type: TypeLocal, RemoteHost: "db.internal", RemotePort: 5432}.localTarget(), "db.internal:5432"},
		{"remote bind from bindPort", Config{Type: TypeRemote, BindPort: 9000, RemotePort: 1}.remoteBind(), "0.0.0.0:9000"},
		{"remote bind from remotePort", Config{Type: TypeRemote, RemotePort: 9001}.remoteBind(), "0.0.0.0:9001"},
		{"remote target", Config{Type: TypeRemote, LocalPort: 3000}.remoteTarget(), "127.0.0.1:3000"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyKeep, "keep": PolicyKeep, "mark": PolicyMark, "close": PolicyClose} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("auto"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
