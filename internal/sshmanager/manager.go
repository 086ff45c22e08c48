package sshmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshdesk/internal/logutil"
	"github.com/gluk-w/sshdesk/internal/sshaudit"
)

const (
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultKeepaliveCountMax = 3
	DefaultBannerTimeout     = 5 * time.Second
)

// Options configures a Registry. Zero durations and counts use the defaults;
// a negative KeepaliveInterval disables keepalives.
type Options struct {
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCountMax int
	BannerTimeout     time.Duration
	// MaxConnections of 0 or less means unlimited.
	MaxConnections  int
	Algorithms      Algorithms
	HostKeyCallback ssh.HostKeyCallback
	// RateLimit limits connect attempts per host:port; nil disables it.
	RateLimit *RateLimitConfig
	Auditor   *sshaudit.Auditor
}

// ConnectionLostFunc is called once when a connected transport ends without
// an explicit Disconnect. state is StateDisconnected or StateFailed.
type ConnectionLostFunc func(connectionID string, state ConnectionState, reason string)

// Registry owns every live SSH connection, keyed by connection ID.
type Registry struct {
	opts    Options
	limiter *RateLimiter

	mu      sync.RWMutex
	conns   map[string]*managedConn
	pending int // slots held by in-flight Connect calls

	states *ConnectionStateTracker

	eventsMu sync.RWMutex
	events   map[string][]ConnectionEvent

	hooksMu   sync.RWMutex
	lostHooks []ConnectionLostFunc
}

type managedConn struct {
	client *ssh.Client

	mu   sync.Mutex
	info Connection
	// failReason is set by the keepalive loop before it closes the transport.
	failReason string

	explicit bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (mc *managedConn) snapshot() Connection {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.info
}

func (mc *managedConn) halt() {
	mc.stopOnce.Do(func() { close(mc.stop) })
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.KeepaliveCountMax <= 0 {
		opts.KeepaliveCountMax = DefaultKeepaliveCountMax
	}
	if opts.BannerTimeout <= 0 {
		opts.BannerTimeout = DefaultBannerTimeout
	}
	if len(opts.Algorithms.KeyExchanges) == 0 {
		opts.Algorithms = DefaultAlgorithms()
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	r := &Registry{
		opts:   opts,
		conns:  make(map[string]*managedConn),
		states: NewConnectionStateTracker(),
		events: make(map[string][]ConnectionEvent),
	}
	if opts.RateLimit != nil {
		r.limiter = NewRateLimiter(*opts.RateLimit)
	}
	return r
}

// OnConnectionLost registers a hook for transports that end on their own.
func (r *Registry) OnConnectionLost(fn ConnectionLostFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.lostHooks = append(r.lostHooks, fn)
}

// OnStateChange registers a callback for every state transition.
func (r *Registry) OnStateChange(cb StateCallback) {
	r.states.OnStateChange(cb)
}

// Connect opens, authenticates and registers a new connection. The returned
// snapshot carries the new ID and the welcome banner, if one was read. On
// any failure nothing is registered and a *ConnectError is returned.
func (r *Registry) Connect(ctx context.Context, cfg ConnectConfig) (*Connection, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	addr := cfg.Addr()
	user := logutil.SanitizeForLog(cfg.Username)

	id := "ssh-" + uuid.NewString()
	fail := func(op string, err error) (*Connection, error) {
		r.states.Remove(id)
		if r.limiter != nil {
			switch op {
			case OpAuth, OpDial, OpHandshake, OpTimeout:
				r.limiter.RecordFailure(addr)
			}
		}
		cerr := &ConnectError{Op: op, Addr: addr, Err: err}
		log.Printf("[ssh] connect to %s@%s failed: %v", user, logutil.SanitizeForLog(addr), err)
		r.opts.Auditor.LogConnectionFailed(cfg.Host, cfg.Username, cerr.Error())
		return nil, cerr
	}

	if err := cfg.Validate(); err != nil {
		return fail(OpValidate, err)
	}

	r.mu.Lock()
	if r.opts.MaxConnections > 0 && len(r.conns)+r.pending >= r.opts.MaxConnections {
		r.mu.Unlock()
		return fail(OpLimit, fmt.Errorf("maximum connections (%d) reached", r.opts.MaxConnections))
	}
	r.pending++
	r.mu.Unlock()
	reserved := true
	defer func() {
		if reserved {
			r.mu.Lock()
			r.pending--
			r.mu.Unlock()
		}
	}()

	if r.limiter != nil {
		if err := r.limiter.Allow(addr); err != nil {
			return fail(OpRateLimit, err)
		}
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return fail(OpAuth, err)
	}

	var preAuthBanner string
	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: r.opts.HostKeyCallback,
		BannerCallback: func(message string) error {
			preAuthBanner += message
			return nil
		},
		Timeout: r.opts.HandshakeTimeout,
	}
	r.opts.Algorithms.apply(clientCfg)

	startedAt := time.Now()
	r.states.SetState(id, StateConnecting)
	log.Printf("[ssh] connecting to %s@%s", user, logutil.SanitizeForLog(addr))

	dialer := net.Dialer{Timeout: r.opts.HandshakeTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return fail(OpTimeout, ctx.Err())
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fail(OpTimeout, err)
		}
		return fail(OpDial, err)
	}

	// The handshake is bounded by both the deadline and ctx.
	netConn.SetDeadline(startedAt.Add(r.opts.HandshakeTimeout))
	stopWatch := context.AfterFunc(ctx, func() { netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	stopped := stopWatch()
	if err != nil {
		netConn.Close()
		var ne net.Error
		switch {
		case !stopped || ctx.Err() != nil:
			return fail(OpTimeout, ctx.Err())
		case errors.As(err, &ne) && ne.Timeout():
			return fail(OpTimeout, fmt.Errorf("handshake timed out after %s", r.opts.HandshakeTimeout))
		case strings.Contains(err.Error(), "unable to authenticate"):
			return fail(OpAuth, err)
		default:
			return fail(OpHandshake, err)
		}
	}
	if !stopped {
		sshConn.Close()
		return fail(OpTimeout, ctx.Err())
	}
	netConn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	if r.limiter != nil {
		r.limiter.RecordSuccess(addr)
	}

	banner := joinBanner(preAuthBanner, fetchBanner(client, r.opts.BannerTimeout))

	mc := &managedConn{
		client: client,
		info: Connection{
			ID:            id,
			Host:          cfg.Host,
			Port:          cfg.Port,
			Username:      cfg.Username,
			AuthType:      cfg.AuthType,
			State:         StateConnected,
			Algorithms:    r.opts.Algorithms,
			ServerVersion: string(sshConn.ServerVersion()),
			WelcomeInfo:   banner,
			StartedAt:     startedAt,
			ConnectedAt:   time.Now(),
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.pending--
	reserved = false
	r.conns[id] = mc
	r.mu.Unlock()

	r.states.SetState(id, StateConnected)
	r.emitEvent(id, EventConnected, fmt.Sprintf("%s@%s", user, logutil.SanitizeForLog(addr)))
	r.opts.Auditor.LogConnection(id, cfg.Host, cfg.Username)

	go r.watch(id, mc)
	if r.opts.KeepaliveInterval > 0 {
		go r.keepalive(id, mc)
	}

	snap := mc.snapshot()
	return &snap, nil
}

// watch waits for the transport to end and records how it ended.
func (r *Registry) watch(id string, mc *managedConn) {
	err := mc.client.Wait()
	mc.halt()
	defer close(mc.done)

	mc.mu.Lock()
	if mc.explicit {
		mc.mu.Unlock()
		return
	}
	state := StateDisconnected
	reason := "transport closed"
	switch {
	case mc.failReason != "":
		state, reason = StateFailed, mc.failReason
	case err != nil && !errors.Is(err, io.EOF):
		state, reason = StateFailed, err.Error()
	}
	mc.info.State = state
	if state == StateFailed {
		mc.info.LastError = reason
	}
	mc.mu.Unlock()

	if _, changed := r.states.SetState(id, state); !changed {
		return
	}
	r.emitEvent(id, EventTransportClosed, fmt.Sprintf("%s: %s", state, reason))
	r.opts.Auditor.LogConnectionLost(id, string(state), reason)

	r.hooksMu.RLock()
	hooks := make([]ConnectionLostFunc, len(r.lostHooks))
	copy(hooks, r.lostHooks)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id, state, reason)
	}
}

// keepalive sends keepalive@openssh.com requests until the connection stops,
// closing the transport after KeepaliveCountMax consecutive misses.
func (r *Registry) keepalive(id string, mc *managedConn) {
	ticker := time.NewTicker(r.opts.KeepaliveInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
		}

		if err := sendKeepalive(mc.client, r.opts.KeepaliveInterval); err != nil {
			misses++
			r.emitEvent(id, EventKeepaliveFailed, fmt.Sprintf("%d/%d: %v", misses, r.opts.KeepaliveCountMax, err))
			if misses >= r.opts.KeepaliveCountMax {
				mc.mu.Lock()
				mc.failReason = fmt.Sprintf("no keepalive response after %d attempts", misses)
				mc.mu.Unlock()
				mc.client.Close()
				return
			}
			continue
		}
		misses = 0
	}
}

func sendKeepalive(client *ssh.Client, timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("no reply within %s", timeout)
	}
}

// Execute runs command on the connection and collects its output. A command
// that exits non-zero is reported through ExitCode, not as an error.
func (r *Registry) Execute(ctx context.Context, connectionID, command string) (*ExecResult, error) {
	client, err := r.Client(connectionID)
	if err != nil {
		return nil, &ExecError{ConnectionID: connectionID, Err: err}
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &ExecError{ConnectionID: connectionID, Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		session.Close()
		<-done
		return nil, &ExecError{ConnectionID: connectionID, Err: ctx.Err()}
	}

	result := &ExecResult{}
	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	case errors.As(runErr, &missingErr):
		result.ExitCode = -1
	default:
		return nil, &ExecError{ConnectionID: connectionID, Err: runErr}
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	elapsed := time.Since(start)
	r.emitEvent(connectionID, EventCommandExecuted, fmt.Sprintf("exit=%d in %s", result.ExitCode, elapsed.Round(time.Millisecond)))
	r.opts.Auditor.LogCommand(connectionID, command, result.ExitCode, elapsed.Milliseconds())
	return result, nil
}

// Disconnect closes the transport and removes the connection. Unknown IDs
// and repeated calls succeed.
func (r *Registry) Disconnect(connectionID string) error {
	r.mu.Lock()
	mc, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.closeConn(connectionID, mc, "disconnect requested")
	log.Printf("[ssh] disconnected %s", connectionID)
	return nil
}

func (r *Registry) closeConn(id string, mc *managedConn, reason string) error {
	mc.mu.Lock()
	mc.explicit = true
	connectedAt := mc.info.ConnectedAt
	mc.mu.Unlock()

	mc.halt()
	err := mc.client.Close()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		err = nil
	}

	if _, changed := r.states.SetState(id, StateDisconnected); changed {
		r.emitEvent(id, EventDisconnected, reason)
	}
	r.opts.Auditor.LogDisconnection(id, reason, time.Since(connectedAt).Milliseconds())

	r.states.Remove(id)
	r.clearEvents(id)
	return err
}

// IsConnected reports whether the connection is registered and connected.
func (r *Registry) IsConnected(connectionID string) bool {
	r.mu.RLock()
	_, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	state, _ := r.states.GetState(connectionID)
	return state == StateConnected
}

// Client returns the transport for a connected connection.
func (r *Registry) Client(connectionID string) (*ssh.Client, error) {
	r.mu.RLock()
	mc, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	if state, _ := r.states.GetState(connectionID); state != StateConnected {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, connectionID, state)
	}
	return mc.client, nil
}

// Get returns a snapshot of the connection.
func (r *Registry) Get(connectionID string) (Connection, bool) {
	r.mu.RLock()
	mc, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return Connection{}, false
	}
	return mc.snapshot(), true
}

// List returns snapshots of every registered connection, oldest first.
func (r *Registry) List() []Connection {
	r.mu.RLock()
	result := make([]Connection, 0, len(r.conns))
	for _, mc := range r.conns {
		result = append(result, mc.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ClearAll forcibly closes every transport and empties the registry. Returns
// the first close error encountered, if any.
func (r *Registry) ClearAll() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*managedConn)
	r.mu.Unlock()

	var firstErr error
	for id, mc := range conns {
		if err := r.closeConn(id, mc, "shutdown"); err != nil {
			log.Printf("[ssh] error closing connection %s: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(conns) > 0 {
		log.Printf("[ssh] closed all %d connection(s)", len(conns))
	}
	return firstErr
}
