package sshtunnel

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sshdesk/internal/sshaudit"
)

// Policy decides what happens to a connection's tunnels when the connection
// is lost.
type Policy string

const (
	// PolicyKeep leaves tunnels untouched; the caller closes them.
	PolicyKeep Policy = "keep"
	// PolicyMark flags tunnels as failed but keeps them registered.
	PolicyMark Policy = "mark"
	// PolicyClose closes and removes the tunnels.
	PolicyClose Policy = "close"
)

// ParsePolicy validates a policy name. An empty name means PolicyKeep.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyKeep:
		return PolicyKeep, nil
	case PolicyMark, PolicyClose:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown connection-lost policy %q", s)
}

// ClientSource resolves a connection ID to a usable transport.
type ClientSource interface {
	Client(connectionID string) (*ssh.Client, error)
}

// Options configures a Manager.
type Options struct {
	OnConnectionLost Policy
	Auditor          *sshaudit.Auditor
}

// Manager creates and tracks tunnels keyed by tunnel ID.
type Manager struct {
	clients ClientSource
	opts    Options

	mu      sync.RWMutex
	tunnels map[string]*activeTunnel
}

type activeTunnel struct {
	id           string
	connectionID string
	cfg          Config
	listenAddr   string
	target       string
	localPort    int
	remotePort   int
	createdAt    time.Time

	listener net.Listener
	metrics  tunnelMetrics

	mu        sync.Mutex
	status    Status
	lastError string
	closed    bool
}

func (t *activeTunnel) snapshot() Tunnel {
	t.mu.Lock()
	status, lastErr := t.status, t.lastError
	t.mu.Unlock()
	return Tunnel{
		ID:           t.id,
		ConnectionID: t.connectionID,
		Type:         t.cfg.Type,
		Config:       t.cfg,
		ListenAddr:   t.listenAddr,
		Target:       t.target,
		LocalPort:    t.localPort,
		RemotePort:   t.remotePort,
		Status:       status,
		LastError:    lastErr,
		CreatedAt:    t.createdAt,
		Metrics:      t.metrics.snapshot(),
	}
}

func (t *activeTunnel) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *activeTunnel) markFailed(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.status = StatusFailed
	t.lastError = reason
}

// close stops the listening side once. For remote tunnels this also sends
// cancel-tcpip-forward.
func (t *activeTunnel) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.status = StatusClosed
	t.mu.Unlock()

	err := t.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// NewManager creates a Manager resolving connections through clients.
func NewManager(clients ClientSource, opts Options) *Manager {
	if opts.OnConnectionLost == "" {
		opts.OnConnectionLost = PolicyKeep
	}
	return &Manager{
		clients: clients,
		opts:    opts,
		tunnels: make(map[string]*activeTunnel),
	}
}

// Create starts a tunnel on a connected connection. Nothing is registered
// unless the listening side is fully set up.
func (m *Manager) Create(connectionID string, cfg Config) (*Tunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := m.clients.Client(connectionID)
	if err != nil {
		return nil, fmt.Errorf("create %s tunnel: %w", cfg.Type, err)
	}

	t := &activeTunnel{
		id:           "tunnel-" + uuid.NewString(),
		connectionID: connectionID,
		cfg:          cfg,
		createdAt:    time.Now(),
		status:       StatusActive,
	}

	var handle func(net.Conn)
	switch cfg.Type {
	case TypeLocal:
		handle, err = m.startLocal(t, client)
	case TypeRemote:
		handle, err = m.startRemote(t, client)
	case TypeDynamic:
		handle, err = m.startDynamic(t, client)
	}
	if err != nil {
		log.Printf("[tunnel] %s tunnel on %s failed: %v", cfg.Type, connectionID, err)
		return nil, err
	}

	m.mu.Lock()
	m.tunnels[t.id] = t
	m.mu.Unlock()

	go m.acceptLoop(t, handle)

	summary := t.describe()
	log.Printf("[tunnel] created %s on %s: %s", t.id, connectionID, summary)
	m.opts.Auditor.LogTunnelCreated(connectionID, t.id, summary)

	snap := t.snapshot()
	return &snap, nil
}

func (t *activeTunnel) describe() string {
	switch t.cfg.Type {
	case TypeDynamic:
		return fmt.Sprintf("dynamic socks5 %s", t.listenAddr)
	case TypeRemote:
		return fmt.Sprintf("remote %s -> %s", t.listenAddr, t.target)
	}
	return fmt.Sprintf("local %s -> %s", t.listenAddr, t.target)
}

// acceptLoop hands every accepted stream to handle on its own goroutine. It
// exits when the listener is closed; any other accept error marks the tunnel
// failed.
func (m *Manager) acceptLoop(t *activeTunnel, handle func(net.Conn)) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isClosed() {
				return
			}
			t.markFailed(fmt.Sprintf("accept: %v", err))
			log.Printf("[tunnel] accept error on %s: %v", t.id, err)
			return
		}
		t.metrics.total.Add(1)
		go handle(conn)
	}
}

func (m *Manager) forwardFailed(t *activeTunnel, conn net.Conn, target string, err error) {
	t.metrics.failures.Add(1)
	ferr := &ForwardError{TunnelID: t.id, Target: target, Err: err}
	log.Printf("[tunnel] %v", ferr)
	conn.Close()
}

// Close tears down a tunnel and removes it. Teardown errors are logged; the
// entry is removed regardless.
func (m *Manager) Close(tunnelID string) error {
	m.mu.Lock()
	t, ok := m.tunnels[tunnelID]
	delete(m.tunnels, tunnelID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTunnel, tunnelID)
	}
	m.teardown(t)
	return nil
}

func (m *Manager) teardown(t *activeTunnel) error {
	err := t.close()
	details := ""
	if err != nil {
		details = err.Error()
		log.Printf("[tunnel] teardown of %s reported: %v", t.id, err)
	} else {
		log.Printf("[tunnel] closed %s", t.id)
	}
	m.opts.Auditor.LogTunnelClosed(t.connectionID, t.id, details)
	return err
}

// ClearAll closes every tunnel in parallel and empties the manager. Returns
// the first teardown error, if any.
func (m *Manager) ClearAll() error {
	m.mu.Lock()
	tunnels := m.tunnels
	m.tunnels = make(map[string]*activeTunnel)
	m.mu.Unlock()

	var g errgroup.Group
	for _, t := range tunnels {
		g.Go(func() error { return m.teardown(t) })
	}
	err := g.Wait()
	if len(tunnels) > 0 {
		log.Printf("[tunnel] closed all %d tunnel(s)", len(tunnels))
	}
	return err
}

// HandleConnectionLost applies the configured policy to every tunnel riding
// on connectionID.
func (m *Manager) HandleConnectionLost(connectionID string) {
	m.mu.RLock()
	var affected []*activeTunnel
	for _, t := range m.tunnels {
		if t.connectionID == connectionID {
			affected = append(affected, t)
		}
	}
	m.mu.RUnlock()
	if len(affected) == 0 {
		return
	}

	switch m.opts.OnConnectionLost {
	case PolicyMark:
		for _, t := range affected {
			t.markFailed("connection lost")
		}
		log.Printf("[tunnel] marked %d tunnel(s) on %s as failed", len(affected), connectionID)
	case PolicyClose:
		for _, t := range affected {
			m.Close(t.id)
		}
		log.Printf("[tunnel] closed %d tunnel(s) on lost connection %s", len(affected), connectionID)
	default:
		log.Printf("[tunnel] connection %s lost, %d tunnel(s) left for the caller to close", connectionID, len(affected))
	}
}

// Get returns a snapshot of the tunnel.
func (m *Manager) Get(tunnelID string) (Tunnel, bool) {
	m.mu.RLock()
	t, ok := m.tunnels[tunnelID]
	m.mu.RUnlock()
	if !ok {
		return Tunnel{}, false
	}
	return t.snapshot(), true
}

// List returns snapshots of all tunnels, oldest first. A non-empty
// connectionID restricts the result to that connection.
func (m *Manager) List(connectionID string) []Tunnel {
	m.mu.RLock()
	result := make([]Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		if connectionID == "" || t.connectionID == connectionID {
			result = append(result, t.snapshot())
		}
	}
	m.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count returns the number of registered tunnels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tunnels)
}
