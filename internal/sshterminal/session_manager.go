package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshdesk/internal/logutil"
	"github.com/gluk-w/sshdesk/internal/sshaudit"
	"github.com/gluk-w/sshdesk/internal/sshmanager"
)

const (
	// DefaultTermType is used when a shell is opened without a terminal type.
	DefaultTermType = "xterm-color"
	DefaultCols     = 80
	DefaultRows     = 24

	defaultOutputBuffer = 256
	closeWaitTimeout    = 2 * time.Second
)

// ErrUnknownSession is returned for operations on a session ID that is not registered.
var ErrUnknownSession = errors.New("unknown shell session")

// OpenError reports a failure to open a shell on a connection.
type OpenError struct {
	ConnectionID string
	Err          error
}

func (e *OpenError) Error() string {
	if e.ConnectionID == "" {
		return fmt.Sprintf("open shell: %v", e.Err)
	}
	return fmt.Sprintf("open shell on %s: %v", e.ConnectionID, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// SessionState represents the lifecycle state of a managed shell session.
type SessionState string

const (
	// SessionActive means the shell is alive and at least one subscriber is attached.
	SessionActive SessionState = "active"
	// SessionDetached means the shell is alive but nobody is subscribed.
	SessionDetached SessionState = "detached"
	// SessionClosed means the shell channel has ended.
	SessionClosed SessionState = "closed"
)

// ConnectionSource provides the SSH connections shells run on.
// *sshmanager.Registry satisfies it.
type ConnectionSource interface {
	Connect(ctx context.Context, cfg sshmanager.ConnectConfig) (*sshmanager.Connection, error)
	Client(connectionID string) (*ssh.Client, error)
	Disconnect(connectionID string) error
}

// ShellOptions configures the PTY of a new shell.
type ShellOptions struct {
	TermType string `json:"termType,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
}

func (o ShellOptions) withDefaults(termType string) ShellOptions {
	if o.TermType == "" {
		o.TermType = termType
	}
	if o.Cols <= 0 {
		o.Cols = DefaultCols
	}
	if o.Rows <= 0 {
		o.Rows = DefaultRows
	}
	if o.Cols > MaxTermCols {
		o.Cols = MaxTermCols
	}
	if o.Rows > MaxTermRows {
		o.Rows = MaxTermRows
	}
	return o
}

// Options configures a SessionManager.
type Options struct {
	// TermType is the default PTY type (xterm-color when empty).
	TermType string
	// ScrollbackSize bounds the replay buffer per session.
	ScrollbackSize int
	// OutputBuffer is the channel capacity of each subscription.
	OutputBuffer int
	Auditor      *sshaudit.Auditor
}

// EventType distinguishes output chunks from the final exit notification.
type EventType string

const (
	EventData EventType = "data"
	EventExit EventType = "exit"
)

// Event is delivered to subscribers. Data is set for EventData; ExitStatus
// for EventExit (-1 when the server reported none).
type Event struct {
	Type       EventType
	Data       []byte
	ExitStatus int
}

// Subscription receives the output of one session. C is closed after the
// exit event, on Unsubscribe, or when the subscriber falls behind.
type Subscription struct {
	C         <-chan Event
	ch        chan Event
	sessionID string
	closed    bool
}

// SessionInfo is a snapshot of a managed session.
type SessionInfo struct {
	ID           string       `json:"id"`
	ConnectionID string       `json:"connectionId"`
	TermType     string       `json:"termType"`
	Cols         int          `json:"cols"`
	Rows         int          `json:"rows"`
	State        SessionState `json:"state"`
	Subscribers  int          `json:"subscribers"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActivity time.Time    `json:"lastActivity"`
	ExitStatus   *int         `json:"exitStatus,omitempty"`
}

// ExitFunc is called once per session after its shell channel has closed.
type ExitFunc func(info SessionInfo)

// ManagedSession wraps a TerminalSession with its scrollback and subscribers.
//
// Lifecycle:
//  1. Opened via OpenShell or OpenShellOn (detached until someone subscribes)
//  2. Subscribe and Unsubscribe toggle active and detached
//  3. Remote exit, Close or connection loss closes it; subscribers get an exit event
type ManagedSession struct {
	ID           string
	ConnectionID string
	TermType     string
	CreatedAt    time.Time

	Terminal   *TerminalSession
	Scrollback *ScrollbackBuffer

	mu           sync.Mutex
	cols, rows   int
	closed       bool
	exitStatus   int
	lastActivity time.Time
	subs         map[*Subscription]struct{}
	// done is closed once the exit event and exit hooks have run.
	done chan struct{}
}

func (ms *ManagedSession) info() SessionInfo {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	info := SessionInfo{
		ID:           ms.ID,
		ConnectionID: ms.ConnectionID,
		TermType:     ms.TermType,
		Cols:         ms.cols,
		Rows:         ms.rows,
		Subscribers:  len(ms.subs),
		CreatedAt:    ms.CreatedAt,
		LastActivity: ms.lastActivity,
	}
	switch {
	case ms.closed:
		info.State = SessionClosed
		status := ms.exitStatus
		info.ExitStatus = &status
	case len(ms.subs) > 0:
		info.State = SessionActive
	default:
		info.State = SessionDetached
	}
	return info
}

func (ms *ManagedSession) touch() {
	ms.mu.Lock()
	ms.lastActivity = time.Now()
	ms.mu.Unlock()
}

// deliverLocked pushes data to every subscriber without blocking. One slot
// stays free for the exit event. Callers hold ms.mu.
func (ms *ManagedSession) deliverLocked(data []byte) {
	for sub := range ms.subs {
		if len(sub.ch) >= cap(sub.ch)-1 {
			log.Printf("[session-mgr] dropping slow subscriber of session %s", ms.ID)
			sub.closed = true
			close(sub.ch)
			delete(ms.subs, sub)
			continue
		}
		sub.ch <- Event{Type: EventData, Data: data}
	}
}

// SessionManager owns all interactive shell sessions.
type SessionManager struct {
	conns ConnectionSource
	opts  Options

	mu       sync.RWMutex
	sessions map[string]*ManagedSession

	hooksMu   sync.RWMutex
	exitHooks []ExitFunc
}

// NewSessionManager creates a session manager that opens shells on conns.
func NewSessionManager(conns ConnectionSource, opts Options) *SessionManager {
	if opts.TermType == "" {
		opts.TermType = DefaultTermType
	}
	if opts.ScrollbackSize <= 0 {
		opts.ScrollbackSize = defaultScrollbackSize
	}
	if opts.OutputBuffer < 2 {
		opts.OutputBuffer = defaultOutputBuffer
	}
	return &SessionManager{
		conns:    conns,
		opts:     opts,
		sessions: make(map[string]*ManagedSession),
	}
}

// OnExit registers a hook run after a session's channel closes.
func (sm *SessionManager) OnExit(fn ExitFunc) {
	sm.hooksMu.Lock()
	sm.exitHooks = append(sm.exitHooks, fn)
	sm.hooksMu.Unlock()
}

// OpenShell connects with cfg and opens a shell on the new connection. The
// connection is disconnected again when the shell cannot be opened.
func (sm *SessionManager) OpenShell(ctx context.Context, cfg sshmanager.ConnectConfig, opts ShellOptions) (connectionID, sessionID string, err error) {
	conn, err := sm.conns.Connect(ctx, cfg)
	if err != nil {
		return "", "", &OpenError{Err: err}
	}
	sessionID, err = sm.OpenShellOn(conn.ID, opts)
	if err != nil {
		if derr := sm.conns.Disconnect(conn.ID); derr != nil {
			log.Printf("[session-mgr] disconnect %s after failed shell: %v", conn.ID, derr)
		}
		return "", "", err
	}
	return conn.ID, sessionID, nil
}

// OpenShellOn opens a PTY shell on an existing connection.
func (sm *SessionManager) OpenShellOn(connectionID string, opts ShellOptions) (string, error) {
	client, err := sm.conns.Client(connectionID)
	if err != nil {
		return "", &OpenError{ConnectionID: connectionID, Err: err}
	}
	opts = opts.withDefaults(sm.opts.TermType)

	term, err := createInteractiveSession(client, opts.TermType, opts.Cols, opts.Rows)
	if err != nil {
		return "", &OpenError{ConnectionID: connectionID, Err: err}
	}

	now := time.Now()
	ms := &ManagedSession{
		ID:           "sess-" + uuid.New().String(),
		ConnectionID: connectionID,
		TermType:     opts.TermType,
		CreatedAt:    now,
		Terminal:     term,
		Scrollback:   NewScrollbackBuffer(sm.opts.ScrollbackSize),
		cols:         opts.Cols,
		rows:         opts.Rows,
		lastActivity: now,
		subs:         make(map[*Subscription]struct{}),
		done:         make(chan struct{}),
	}

	sm.mu.Lock()
	sm.sessions[ms.ID] = ms
	sm.mu.Unlock()

	go sm.relay(ms)

	log.Printf("[session-mgr] opened session %s on %s (term %s, %dx%d)",
		ms.ID, connectionID, logutil.SanitizeForLog(opts.TermType), opts.Cols, opts.Rows)
	sm.opts.Auditor.LogShellStart(connectionID, ms.ID, opts.TermType)
	return ms.ID, nil
}

// relay copies shell output to the scrollback and subscribers until the
// channel closes, then publishes the exit status and unregisters the session.
func (sm *SessionManager) relay(ms *ManagedSession) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sm.pump(ms, ms.Terminal.Stdout)
	}()
	go func() {
		defer wg.Done()
		sm.pump(ms, ms.Terminal.Stderr)
	}()
	wg.Wait()

	status := ms.Terminal.ExitStatus()
	_ = ms.Terminal.Close()

	ms.mu.Lock()
	ms.closed = true
	ms.exitStatus = status
	for sub := range ms.subs {
		sub.ch <- Event{Type: EventExit, ExitStatus: status}
		sub.closed = true
		close(sub.ch)
		delete(ms.subs, sub)
	}
	ms.mu.Unlock()

	sm.mu.Lock()
	if sm.sessions[ms.ID] == ms {
		delete(sm.sessions, ms.ID)
	}
	sm.mu.Unlock()

	info := ms.info()
	log.Printf("[session-mgr] session %s ended (exit %d)", ms.ID, status)
	sm.opts.Auditor.LogShellEnd(ms.ConnectionID, ms.ID, time.Since(ms.CreatedAt).Milliseconds())

	sm.hooksMu.RLock()
	hooks := append([]ExitFunc(nil), sm.exitHooks...)
	sm.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(info)
	}
	close(ms.done)
}

func (sm *SessionManager) pump(ms *ManagedSession, r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ms.mu.Lock()
			ms.Scrollback.Write(chunk)
			ms.lastActivity = time.Now()
			ms.deliverLocked(chunk)
			ms.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[session-mgr] session %s output ended: %v", ms.ID, err)
			}
			return
		}
	}
}

func (sm *SessionManager) get(sessionID string) *ManagedSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[sessionID]
}

// Write sends input to the shell. Writing to an unknown or finished session
// is a no-op.
func (sm *SessionManager) Write(sessionID string, data []byte) error {
	ms := sm.get(sessionID)
	if ms == nil {
		return nil
	}
	ms.touch()
	if _, err := ms.Terminal.Stdin.Write(data); err != nil {
		return fmt.Errorf("write to session %s: %w", sessionID, err)
	}
	return nil
}

// Resize changes the PTY size of a session.
func (sm *SessionManager) Resize(sessionID string, cols, rows int) error {
	if !validSize(cols, rows) {
		return fmt.Errorf("invalid terminal size %dx%d (max %dx%d)", cols, rows, MaxTermCols, MaxTermRows)
	}
	ms := sm.get(sessionID)
	if ms == nil {
		return ErrUnknownSession
	}
	if err := ms.Terminal.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize session %s: %w", sessionID, err)
	}
	ms.mu.Lock()
	ms.cols, ms.rows = cols, rows
	ms.lastActivity = time.Now()
	ms.mu.Unlock()
	return nil
}

// Subscribe attaches a new output subscriber. With replay set, the current
// scrollback arrives first as a single data event.
func (sm *SessionManager) Subscribe(sessionID string, replay bool) (*Subscription, error) {
	ms := sm.get(sessionID)
	if ms == nil {
		return nil, ErrUnknownSession
	}
	ch := make(chan Event, sm.opts.OutputBuffer)
	sub := &Subscription{C: ch, ch: ch, sessionID: sessionID}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if replay {
		if snap := ms.Scrollback.Snapshot(); len(snap) > 0 {
			ch <- Event{Type: EventData, Data: snap}
		}
	}
	if ms.closed {
		ch <- Event{Type: EventExit, ExitStatus: ms.exitStatus}
		sub.closed = true
		close(ch)
		return sub, nil
	}
	ms.subs[sub] = struct{}{}
	ms.lastActivity = time.Now()
	return sub, nil
}

// Unsubscribe detaches sub and closes its channel. The shell keeps running.
func (sm *SessionManager) Unsubscribe(sub *Subscription) {
	ms := sm.get(sub.sessionID)
	if ms == nil {
		return
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.subs[sub]; !ok || sub.closed {
		return
	}
	delete(ms.subs, sub)
	sub.closed = true
	close(sub.ch)
	ms.lastActivity = time.Now()
}

// Close ends a session and waits briefly for its exit event to be
// published. Closing an unknown session is a no-op.
func (sm *SessionManager) Close(sessionID string) error {
	ms := sm.get(sessionID)
	if ms == nil {
		return nil
	}
	_ = ms.Terminal.Stdin.Close()
	if err := ms.Terminal.Close(); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("[session-mgr] close session %s: %v", sessionID, err)
	}
	select {
	case <-ms.done:
	case <-time.After(closeWaitTimeout):
		log.Printf("[session-mgr] session %s did not finish within %s", sessionID, closeWaitTimeout)
	}
	log.Printf("[session-mgr] closed session %s", sessionID)
	return nil
}

// CloseAll closes every session.
func (sm *SessionManager) CloseAll() {
	for _, info := range sm.List() {
		_ = sm.Close(info.ID)
	}
}

// CloseIdle closes detached sessions with no activity for longer than
// maxIdle and returns how many were closed.
func (sm *SessionManager) CloseIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)
	closed := 0
	for _, info := range sm.List() {
		if info.State != SessionDetached || info.LastActivity.After(cutoff) {
			continue
		}
		log.Printf("[session-mgr] closing idle session %s (idle since %s)",
			info.ID, info.LastActivity.Format(time.RFC3339))
		_ = sm.Close(info.ID)
		closed++
	}
	return closed
}

// Get returns a snapshot of one session.
func (sm *SessionManager) Get(sessionID string) (SessionInfo, bool) {
	ms := sm.get(sessionID)
	if ms == nil {
		return SessionInfo{}, false
	}
	return ms.info(), true
}

// List returns snapshots of all sessions, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.RLock()
	all := make([]*ManagedSession, 0, len(sm.sessions))
	for _, ms := range sm.sessions {
		all = append(all, ms)
	}
	sm.mu.RUnlock()

	out := make([]SessionInfo, 0, len(all))
	for _, ms := range all {
		out = append(out, ms.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of open sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
