package sshmanager

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultPort is used when ConnectConfig.Port is zero.
const DefaultPort = 22

// AuthType selects which credential fields of a ConnectConfig are used.
type AuthType string

const (
	AuthPassword   AuthType = "password"
	AuthKey        AuthType = "key"
	AuthKeyContent AuthType = "keyContent"
	// AuthKeySelect is a stored key chosen by the caller. The caller resolves
	// it before calling Connect, filling either KeyContent or Password.
	AuthKeySelect AuthType = "keySelect"
)

// ConnectConfig describes a connection request.
type ConnectConfig struct {
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	Username   string   `json:"username"`
	AuthType   AuthType `json:"authType"`
	Password   string   `json:"password,omitempty"`
	KeyPath    string   `json:"keyPath,omitempty"`
	KeyContent string   `json:"keyContent,omitempty"`
	KeyID      string   `json:"keyId,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
}

// Addr returns host:port, applying the default port.
func (c ConnectConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Validate checks required fields and that the selected auth variant carries
// its credential.
func (c ConnectConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is empty")
	}
	if c.Username == "" {
		return fmt.Errorf("username is empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.AuthType {
	case AuthPassword:
		if c.Password == "" {
			return fmt.Errorf("password auth requires a password")
		}
	case AuthKey:
		if c.KeyPath == "" {
			return fmt.Errorf("key auth requires keyPath")
		}
	case AuthKeyContent:
		if c.KeyContent == "" {
			return fmt.Errorf("keyContent auth requires keyContent")
		}
	case AuthKeySelect:
		if c.KeyContent == "" && c.Password == "" {
			return fmt.Errorf("selected key %q was not resolved to key content or password", c.KeyID)
		}
	default:
		return fmt.Errorf("unknown auth type %q", c.AuthType)
	}
	return nil
}

// Connection is a point-in-time snapshot of a registered connection. It
// never exposes the transport handle.
type Connection struct {
	ID            string          `json:"id"`
	Host          string          `json:"host"`
	Port          int             `json:"port"`
	Username      string          `json:"username"`
	AuthType      AuthType        `json:"auth_type"`
	State         ConnectionState `json:"state"`
	Algorithms    Algorithms      `json:"algorithms"`
	ServerVersion string          `json:"server_version,omitempty"`
	WelcomeInfo   string          `json:"welcome_info,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	ConnectedAt   time.Time       `json:"connected_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// ExecResult is the outcome of a remote command. ExitCode is -1 when the
// server closed the channel without reporting a status.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}
