package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gluk-w/sshdesk/internal/sshmanager"
	"github.com/gluk-w/sshdesk/internal/sshterminal"
	"github.com/gluk-w/sshdesk/internal/sshtest"
	"github.com/gluk-w/sshdesk/internal/sshtunnel"
)

// callLog records calls across the fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeConns struct {
	log      *callLog
	lostHook sshmanager.ConnectionLostFunc
}

func (f *fakeConns) Connect(ctx context.Context, cfg sshmanager.ConnectConfig) (*sshmanager.Connection, error) {
	if cfg.Host == "bad" {
		return nil, &sshmanager.ConnectError{Op: sshmanager.OpDial, Addr: "bad:22", Err: errors.New("refused")}
	}
	return &sshmanager.Connection{ID: "ssh-1", WelcomeInfo: "hi"}, nil
}

func (f *fakeConns) Execute(ctx context.Context, id, cmd string) (*sshmanager.ExecResult, error) {
	if id != "ssh-1" {
		return nil, sshmanager.ErrUnknownConnection
	}
	return &sshmanager.ExecResult{Stdout: "out", ExitCode: 2}, nil
}

func (f *fakeConns) Disconnect(id string) error {
	f.log.add("disconnect " + id)
	return nil
}

func (f *fakeConns) IsConnected(id string) bool { return id == "ssh-1" }

func (f *fakeConns) OnConnectionLost(fn sshmanager.ConnectionLostFunc) { f.lostHook = fn }

func (f *fakeConns) ClearAll() error {
	f.log.add("connections.clear")
	return nil
}

type fakeTunnels struct {
	log  *callLog
	lost []string
}

func (f *fakeTunnels) Create(id string, cfg sshtunnel.Config) (*sshtunnel.Tunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &sshtunnel.Tunnel{ID: "tunnel-1", LocalPort: 8080}, nil
}

func (f *fakeTunnels) Close(id string) error {
	if id != "tunnel-1" {
		return sshtunnel.ErrUnknownTunnel
	}
	return nil
}

func (f *fakeTunnels) HandleConnectionLost(id string) { f.lost = append(f.lost, id) }

func (f *fakeTunnels) ClearAll() error {
	f.log.add("tunnels.clear")
	return nil
}

type fakeShells struct {
	log    *callLog
	onExit sshterminal.ExitFunc

	// exitOnOpen makes OpenShell end the session before returning.
	exitOnOpen bool
	gone       map[string]bool
}

func (f *fakeShells) OpenShell(ctx context.Context, cfg sshmanager.ConnectConfig, opts sshterminal.ShellOptions) (string, string, error) {
	if f.exitOnOpen {
		if f.gone == nil {
			f.gone = make(map[string]bool)
		}
		f.gone["sess-1"] = true
		if f.onExit != nil {
			f.onExit(sshterminal.SessionInfo{ID: "sess-1", ConnectionID: "ssh-shell"})
		}
	}
	return "ssh-shell", "sess-1", nil
}

func (f *fakeShells) Get(id string) (sshterminal.SessionInfo, bool) {
	if f.gone[id] {
		return sshterminal.SessionInfo{}, false
	}
	return sshterminal.SessionInfo{ID: id}, true
}

func (f *fakeShells) OpenShellOn(id string, opts sshterminal.ShellOptions) (string, error) {
	return "sess-2", nil
}

func (f *fakeShells) Write(id string, data []byte) error { return nil }

func (f *fakeShells) Resize(id string, cols, rows int) error {
	if cols > sshterminal.MaxTermCols {
		return errors.New("too wide")
	}
	return nil
}

func (f *fakeShells) Close(id string) error {
	f.log.add("shell.close " + id)
	return nil
}

func (f *fakeShells) OnExit(fn sshterminal.ExitFunc) { f.onExit = fn }

func (f *fakeShells) CloseAll() {
	f.log.add("shells.closeAll")
	if f.onExit != nil {
		f.onExit(sshterminal.SessionInfo{ID: "sess-1"})
	}
}

func newFakeCoordinator() (*Coordinator, *callLog, *fakeConns, *fakeTunnels, *fakeShells) {
	l := &callLog{}
	conns := &fakeConns{log: l}
	tunnels := &fakeTunnels{log: l}
	shells := &fakeShells{log: l}
	return New(conns, tunnels, shells), l, conns, tunnels, shells
}

func TestShutdownOrder(t *testing.T) {
	c, l, _, _, _ := newFakeCoordinator()
	c.OpenShell(context.Background(), sshmanager.ConnectConfig{}, sshterminal.ShellOptions{})

	c.Shutdown()
	c.Shutdown()

	want := []string{"shells.closeAll", "tunnels.clear", "connections.clear"}
	got := l.list()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestResultShapes(t *testing.T) {
	c, _, _, _, _ := newFakeCoordinator()
	ctx := context.Background()

	if r := c.Connect(ctx, sshmanager.ConnectConfig{Host: "good"}); !r.Success || r.ConnectionID != "ssh-1" || r.WelcomeInfo != "hi" {
		t.Errorf("connect = %+v", r)
	}
	if r := c.Connect(ctx, sshmanager.ConnectConfig{Host: "bad"}); r.Success || !strings.Contains(r.Error, "refused") {
		t.Errorf("failed connect = %+v", r)
	}
	if r := c.Execute(ctx, "ssh-1", "x"); !r.Success || r.Stdout != "out" || r.ExitCode != 2 {
		t.Errorf("execute = %+v", r)
	}
	if r := c.Execute(ctx, "ssh-missing", "x"); r.Success || r.Error == "" || r.ExitCode != -1 {
		t.Errorf("failed execute = %+v", r)
	}
	if r := c.CreateTunnel("ssh-1", sshtunnel.Config{Type: sshtunnel.TypeLocal}); !r.Success || r.TunnelID != "tunnel-1" || r.LocalPort != 8080 {
		t.Errorf("create tunnel = %+v", r)
	}
	if r := c.CreateTunnel("ssh-1", sshtunnel.Config{Type: "bogus"}); r.Success || r.Error == "" {
		t.Errorf("invalid tunnel = %+v", r)
	}
	if r := c.CloseTunnel("tunnel-x"); r.Success {
		t.Errorf("close unknown tunnel = %+v", r)
	}
	if r := c.ResizeShell("sess-1", 1000, 10); r.Success {
		t.Errorf("resize = %+v", r)
	}
	if r := c.OpenShellOn("ssh-1", sshterminal.ShellOptions{}); !r.Success || r.ConnectionID != "ssh-1" {
		t.Errorf("open on = %+v", r)
	}
	if !c.Disconnect("ssh-unknown").Success {
		t.Error("disconnect unknown should succeed")
	}
}

func TestCloseShellReleasesDedicatedConnection(t *testing.T) {
	c, l, _, _, _ := newFakeCoordinator()
	r := c.OpenShell(context.Background(), sshmanager.ConnectConfig{}, sshterminal.ShellOptions{})
	if !r.Success || r.ConnectionID != "ssh-shell" {
		t.Fatalf("open = %+v", r)
	}
	c.OpenShellOn("ssh-1", sshterminal.ShellOptions{})

	c.CloseShell(r.SessionID)
	c.CloseShell("sess-2")

	want := []string{"shell.close sess-1", "disconnect ssh-shell", "shell.close sess-2"}
	if got := l.list(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestShellExitReleasesDedicatedConnection(t *testing.T) {
	c, l, _, _, shells := newFakeCoordinator()
	c.OpenShell(context.Background(), sshmanager.ConnectConfig{}, sshterminal.ShellOptions{})

	shells.onExit(sshterminal.SessionInfo{ID: "sess-1"})
	shells.onExit(sshterminal.SessionInfo{ID: "sess-1"})

	if got := l.list(); len(got) != 1 || got[0] != "disconnect ssh-shell" {
		t.Errorf("calls = %v", got)
	}
}

func TestShellExitDuringOpenReleasesConnection(t *testing.T) {
	c, l, _, _, shells := newFakeCoordinator()
	shells.exitOnOpen = true

	r := c.OpenShell(context.Background(), sshmanager.ConnectConfig{}, sshterminal.ShellOptions{})
	if !r.Success {
		t.Fatalf("open shell = %+v", r)
	}
	if got := l.list(); len(got) != 1 || got[0] != "disconnect ssh-shell" {
		t.Errorf("calls = %v, want one disconnect", got)
	}
	c.mu.Lock()
	left := len(c.dedicated)
	c.mu.Unlock()
	if left != 0 {
		t.Errorf("%d dedicated entries left, want 0", left)
	}
}

func TestConnectionLostForwardedToTunnels(t *testing.T) {
	_, _, conns, tunnels, _ := newFakeCoordinator()
	conns.lostHook("ssh-1", sshmanager.StateFailed, "keepalive")
	if len(tunnels.lost) != 1 || tunnels.lost[0] != "ssh-1" {
		t.Errorf("lost = %v", tunnels.lost)
	}
}

func TestEndToEnd(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{})
	reg := sshmanager.NewRegistry(sshmanager.Options{KeepaliveInterval: -1})
	tunnels := sshtunnel.NewManager(reg, sshtunnel.Options{})
	shells := sshterminal.NewSessionManager(reg, sshterminal.Options{})
	c := New(reg, tunnels, shells)
	t.Cleanup(c.Shutdown)

	cfg := sshmanager.ConnectConfig{
		Host:     srv.Host(),
		Port:     srv.Port(),
		Username: "test",
		AuthType: sshmanager.AuthPassword,
		Password: "secret",
	}
	ctx := context.Background()

	conn := c.Connect(ctx, cfg)
	if !conn.Success {
		t.Fatalf("connect: %s", conn.Error)
	}
	exec := c.Execute(ctx, conn.ConnectionID, "echo hello")
	if exec.Stdout != "hello\n" || exec.Stderr != "" || exec.ExitCode != 0 {
		t.Errorf("exec = %+v", exec)
	}

	tun := c.CreateTunnel(conn.ConnectionID, sshtunnel.Config{Type: sshtunnel.TypeLocal, RemotePort: srv.Port()})
	if !tun.Success || tun.LocalPort == 0 {
		t.Fatalf("tunnel = %+v", tun)
	}

	shell := c.OpenShell(ctx, cfg, sshterminal.ShellOptions{})
	if !shell.Success {
		t.Fatalf("open shell: %s", shell.Error)
	}
	if !c.IsConnected(shell.ConnectionID) {
		t.Fatal("dedicated shell connection should be connected")
	}
	if r := c.CloseShell(shell.SessionID); !r.Success {
		t.Errorf("close shell = %+v", r)
	}
	if c.IsConnected(shell.ConnectionID) {
		t.Error("dedicated connection should be released with its shell")
	}

	if r := c.Disconnect(conn.ConnectionID); !r.Success {
		t.Errorf("disconnect = %+v", r)
	}
	if c.IsConnected(conn.ConnectionID) {
		t.Error("still connected after disconnect")
	}
	if r := c.Disconnect(conn.ConnectionID); !r.Success {
		t.Errorf("second disconnect = %+v", r)
	}

	c.Shutdown()
	if tunnels.Count() != 0 || reg.Count() != 0 || shells.Count() != 0 {
		t.Errorf("after shutdown: tunnels=%d conns=%d shells=%d", tunnels.Count(), reg.Count(), shells.Count())
	}
}
