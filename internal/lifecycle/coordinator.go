// Package lifecycle exposes the command surface over the connection
// registry, tunnel manager and shell session manager, and owns their
// ordered shutdown: sessions, then tunnels, then connections.
package lifecycle

import (
	"context"
	"log"
	"sync"

	"github.com/gluk-w/sshdesk/internal/sshmanager"
	"github.com/gluk-w/sshdesk/internal/sshterminal"
	"github.com/gluk-w/sshdesk/internal/sshtunnel"
)

// Connections is the part of *sshmanager.Registry the coordinator drives.
type Connections interface {
	Connect(ctx context.Context, cfg sshmanager.ConnectConfig) (*sshmanager.Connection, error)
	Execute(ctx context.Context, connectionID, command string) (*sshmanager.ExecResult, error)
	Disconnect(connectionID string) error
	IsConnected(connectionID string) bool
	OnConnectionLost(fn sshmanager.ConnectionLostFunc)
	ClearAll() error
}

// Tunnels is the part of *sshtunnel.Manager the coordinator drives.
type Tunnels interface {
	Create(connectionID string, cfg sshtunnel.Config) (*sshtunnel.Tunnel, error)
	Close(tunnelID string) error
	HandleConnectionLost(connectionID string)
	ClearAll() error
}

// Shells is the part of *sshterminal.SessionManager the coordinator drives.
type Shells interface {
	OpenShell(ctx context.Context, cfg sshmanager.ConnectConfig, opts sshterminal.ShellOptions) (string, string, error)
	OpenShellOn(connectionID string, opts sshterminal.ShellOptions) (string, error)
	Write(sessionID string, data []byte) error
	Resize(sessionID string, cols, rows int) error
	Close(sessionID string) error
	Get(sessionID string) (sshterminal.SessionInfo, bool)
	OnExit(fn sshterminal.ExitFunc)
	CloseAll()
}

// Result is the outcome of operations that return nothing else.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ConnectResult is the outcome of Connect.
type ConnectResult struct {
	Success      bool   `json:"success"`
	ConnectionID string `json:"connectionId,omitempty"`
	Error        string `json:"error,omitempty"`
	WelcomeInfo  string `json:"welcomeInfo,omitempty"`
}

// ExecResult is the outcome of Execute.
type ExecResult struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// TunnelResult is the outcome of CreateTunnel.
type TunnelResult struct {
	Success    bool   `json:"success"`
	TunnelID   string `json:"tunnelId,omitempty"`
	LocalPort  int    `json:"localPort,omitempty"`
	RemotePort int    `json:"remotePort,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ShellResult is the outcome of OpenShell and OpenShellOn.
type ShellResult struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"sessionId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

func failed(err error) Result {
	return Result{Error: err.Error()}
}

var succeeded = Result{Success: true}

// Coordinator is constructed once per process and handed to the command
// surface. Every method returns a definitive result; errors never escape as
// panics or Go errors.
type Coordinator struct {
	conns   Connections
	tunnels Tunnels
	shells  Shells

	mu sync.Mutex
	// dedicated maps a session ID to the connection opened just for it.
	dedicated    map[string]string
	shuttingDown bool
	shutdownOnce sync.Once
}

// New wires the managers together: lost connections are reported to the
// tunnel manager, and dedicated shell connections are released when their
// shell exits.
func New(conns Connections, tunnels Tunnels, shells Shells) *Coordinator {
	c := &Coordinator{
		conns:     conns,
		tunnels:   tunnels,
		shells:    shells,
		dedicated: make(map[string]string),
	}
	conns.OnConnectionLost(func(connectionID string, state sshmanager.ConnectionState, reason string) {
		log.Printf("[lifecycle] connection %s lost (%s): %s", connectionID, state, reason)
		tunnels.HandleConnectionLost(connectionID)
	})
	shells.OnExit(func(info sshterminal.SessionInfo) {
		c.releaseDedicated(info.ID)
	})
	return c
}

// Connect opens and registers a connection.
func (c *Coordinator) Connect(ctx context.Context, cfg sshmanager.ConnectConfig) ConnectResult {
	conn, err := c.conns.Connect(ctx, cfg)
	if err != nil {
		return ConnectResult{Error: err.Error()}
	}
	return ConnectResult{Success: true, ConnectionID: conn.ID, WelcomeInfo: conn.WelcomeInfo}
}

// Execute runs command on a connection and collects its output.
func (c *Coordinator) Execute(ctx context.Context, connectionID, command string) ExecResult {
	res, err := c.conns.Execute(ctx, connectionID, command)
	if err != nil {
		return ExecResult{ExitCode: -1, Error: err.Error()}
	}
	return ExecResult{Success: true, Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
}

// Disconnect closes a connection. Unknown IDs succeed.
func (c *Coordinator) Disconnect(connectionID string) Result {
	if err := c.conns.Disconnect(connectionID); err != nil {
		return failed(err)
	}
	return succeeded
}

// IsConnected reports whether the connection is registered and connected.
func (c *Coordinator) IsConnected(connectionID string) bool {
	return c.conns.IsConnected(connectionID)
}

// CreateTunnel starts a tunnel on a connected connection.
func (c *Coordinator) CreateTunnel(connectionID string, cfg sshtunnel.Config) TunnelResult {
	t, err := c.tunnels.Create(connectionID, cfg)
	if err != nil {
		return TunnelResult{Error: err.Error()}
	}
	return TunnelResult{Success: true, TunnelID: t.ID, LocalPort: t.LocalPort, RemotePort: t.RemotePort}
}

// CloseTunnel tears a tunnel down.
func (c *Coordinator) CloseTunnel(tunnelID string) Result {
	if err := c.tunnels.Close(tunnelID); err != nil {
		return failed(err)
	}
	return succeeded
}

// OpenShell connects with cfg and opens a shell on the dedicated
// connection. The connection is disconnected once the shell ends.
func (c *Coordinator) OpenShell(ctx context.Context, cfg sshmanager.ConnectConfig, opts sshterminal.ShellOptions) ShellResult {
	connID, sessID, err := c.shells.OpenShell(ctx, cfg, opts)
	if err != nil {
		return ShellResult{Error: err.Error()}
	}
	c.mu.Lock()
	c.dedicated[sessID] = connID
	c.mu.Unlock()
	// A shell that exited before the entry was stored has already run its
	// exit hooks.
	if _, alive := c.shells.Get(sessID); !alive {
		c.releaseDedicated(sessID)
	}
	return ShellResult{Success: true, SessionID: sessID, ConnectionID: connID}
}

// OpenShellOn opens a shell on an existing connection, which outlives it.
func (c *Coordinator) OpenShellOn(connectionID string, opts sshterminal.ShellOptions) ShellResult {
	sessID, err := c.shells.OpenShellOn(connectionID, opts)
	if err != nil {
		return ShellResult{Error: err.Error()}
	}
	return ShellResult{Success: true, SessionID: sessID, ConnectionID: connectionID}
}

// WriteShell forwards input to a shell. Unknown sessions are ignored.
func (c *Coordinator) WriteShell(sessionID string, data []byte) Result {
	if err := c.shells.Write(sessionID, data); err != nil {
		return failed(err)
	}
	return succeeded
}

// ResizeShell changes a shell's terminal size.
func (c *Coordinator) ResizeShell(sessionID string, cols, rows int) Result {
	if err := c.shells.Resize(sessionID, cols, rows); err != nil {
		return failed(err)
	}
	return succeeded
}

// CloseShell closes a shell and, for dedicated shells, its connection.
func (c *Coordinator) CloseShell(sessionID string) Result {
	err := c.shells.Close(sessionID)
	c.releaseDedicated(sessionID)
	if err != nil {
		return failed(err)
	}
	return succeeded
}

func (c *Coordinator) releaseDedicated(sessionID string) {
	c.mu.Lock()
	connID, found := c.dedicated[sessionID]
	delete(c.dedicated, sessionID)
	skip := c.shuttingDown
	c.mu.Unlock()
	if !found || skip {
		return
	}
	if err := c.conns.Disconnect(connID); err != nil {
		log.Printf("[lifecycle] release connection %s of session %s: %v", connID, sessionID, err)
	}
}

// Shutdown closes shell sessions, then tunnels, then connections. Only the
// first call does anything.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.shuttingDown = true
		c.mu.Unlock()

		log.Printf("[lifecycle] shutting down")
		c.shells.CloseAll()
		if err := c.tunnels.ClearAll(); err != nil {
			log.Printf("[lifecycle] tunnel teardown: %v", err)
		}
		if err := c.conns.ClearAll(); err != nil {
			log.Printf("[lifecycle] connection teardown: %v", err)
		}
		log.Printf("[lifecycle] shutdown complete")
	})
}
