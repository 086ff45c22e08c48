package sshtunnel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// TunnelType selects the forwarding topology.
type TunnelType string

const (
	TypeLocal   TunnelType = "local"
	TypeRemote  TunnelType = "remote"
	TypeDynamic TunnelType = "dynamic"
)

// Status is the lifecycle state of a tunnel.
type Status string

const (
	StatusActive Status = "active"
	StatusFailed Status = "failed"
	StatusClosed Status = "closed"
)

// Defaults applied to unset Config fields.
const (
	DefaultBindAddress  = "127.0.0.1"
	DefaultSocksPort    = 1080
	DefaultRemoteHost   = "127.0.0.1"
	DefaultRemoteTarget = 22
	DefaultLocalHost    = "127.0.0.1"
	RemoteBindAllIfaces = "0.0.0.0"
)

// Config describes a tunnel request.
type Config struct {
	Type        TunnelType `json:"type"`
	LocalHost   string     `json:"localHost,omitempty"`
	LocalPort   int        `json:"localPort,omitempty"`
	RemoteHost  string     `json:"remoteHost,omitempty"`
	RemotePort  int        `json:"remotePort,omitempty"`
	BindAddress string     `json:"bindAddress,omitempty"`
	BindPort    int        `json:"bindPort,omitempty"`
}

// Validate checks port ranges and the fields each topology needs.
func (c Config) Validate() error {
	for name, port := range map[string]int{
		"localPort":  c.LocalPort,
		"remotePort": c.RemotePort,
		"bindPort":   c.BindPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, name, port)
		}
	}
	switch c.Type {
	case TypeLocal, TypeDynamic:
	case TypeRemote:
		if c.LocalPort == 0 {
			return fmt.Errorf("%w: remote forwarding requires localPort", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown tunnel type %q", ErrInvalidConfig, c.Type)
	}
	return nil
}

// localBind returns the listen address for local and dynamic tunnels.
// bindAddress/bindPort take precedence over localHost/localPort.
func (c Config) localBind() string {
	host := firstNonEmpty(c.BindAddress, c.LocalHost, DefaultBindAddress)
	port := c.BindPort
	if port == 0 {
		port = c.LocalPort
	}
	if port == 0 && c.Type == TypeDynamic {
		port = DefaultSocksPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// localTarget returns the remote-side target of a local tunnel.
func (c Config) localTarget() string {
	port := c.RemotePort
	if port == 0 {
		port = DefaultRemoteTarget
	}
	return net.JoinHostPort(firstNonEmpty(c.RemoteHost, DefaultRemoteHost), strconv.Itoa(port))
}

// remoteBind returns the server-side listen address of a remote tunnel.
func (c Config) remoteBind() string {
	port := c.BindPort
	if port == 0 {
		port = c.RemotePort
	}
	return net.JoinHostPort(RemoteBindAllIfaces, strconv.Itoa(port))
}

// remoteTarget returns the local target of a remote tunnel.
func (c Config) remoteTarget() string {
	return net.JoinHostPort(firstNonEmpty(c.LocalHost, DefaultLocalHost), strconv.Itoa(c.LocalPort))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Tunnel is a point-in-time snapshot of a tunnel.
type Tunnel struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connection_id"`
	Type         TunnelType `json:"type"`
	Config       Config     `json:"config"`
	// ListenAddr is where the tunnel accepts: a local address for local and
	// dynamic tunnels, the server-side address for remote ones.
	ListenAddr string `json:"listen_addr"`
	// Target is the fixed forward target; empty for dynamic tunnels.
	Target     string    `json:"target,omitempty"`
	LocalPort  int       `json:"local_port,omitempty"`
	RemotePort int       `json:"remote_port,omitempty"`
	Status     Status    `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Metrics    Metrics   `json:"metrics"`
}

var (
	// ErrUnknownTunnel is returned for tunnel IDs the manager does not hold.
	ErrUnknownTunnel = errors.New("unknown tunnel")
	// ErrInvalidConfig wraps every Config validation failure.
	ErrInvalidConfig = errors.New("invalid tunnel config")
)

// BindError reports that a tunnel's listening side could not be set up.
// Nothing is registered when it is returned.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ForwardError reports a failure to forward a single accepted stream. It is
// logged and counted, never returned to the tunnel's creator.
type ForwardError struct {
	TunnelID string
	Target   string
	Err      error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("tunnel %s forward to %s: %v", e.TunnelID, e.Target, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }
