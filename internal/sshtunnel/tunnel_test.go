package sshtunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshdesk/internal/sshmanager"
	"github.com/gluk-w/sshdesk/internal/sshtest"
)

type tunnelEnv struct {
	srv    *sshtest.Server
	reg    *sshmanager.Registry
	mgr    *Manager
	connID string
}

func newTunnelEnv(t *testing.T, srvOpts sshtest.Options, policy Policy) *tunnelEnv {
	t.Helper()
	srv := sshtest.NewServer(t, srvOpts)
	reg := sshmanager.NewRegistry(sshmanager.Options{KeepaliveInterval: -1})
	conn, err := reg.Connect(context.Background(), sshmanager.ConnectConfig{
		Host:     srv.Host(),
		Port:     srv.Port(),
		Username: "test",
		AuthType: sshmanager.AuthPassword,
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	mgr := NewManager(reg, Options{OnConnectionLost: policy})
	t.Cleanup(func() {
		mgr.ClearAll()
		reg.ClearAll()
	})
	return &tunnelEnv{srv: srv, reg: reg, mgr: mgr, connID: conn.ID}
}

// startEchoServer runs a TCP server that echoes everything back.
func startEchoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func roundTrip(t *testing.T, c io.ReadWriter, msg string) {
	t.Helper()
	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Fatalf("echo = %q, want %q", buf, msg)
	}
}

func dialTunnel(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestLocalTunnelEphemeralPort(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{}, PolicyKeep)
	echoPort := startEchoServer(t)

	tun, err := env.mgr.Create(env.connID, Config{Type: TypeLocal, RemoteHost: "127.0.0.1", RemotePort: echoPort})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tun.LocalPort < 1 || tun.LocalPort > 65535 {
		t.Fatalf("LocalPort = %d, want an OS-assigned port", tun.LocalPort)
	}
	if tun.RemotePort != echoPort || tun.Status != StatusActive {
		t.Errorf("unexpected tunnel record %+v", tun)
	}

	c := dialTunnel(t, tun.LocalPort)
	roundTrip(t, c, "hello through the tunnel")

	snap, _ := env.mgr.Get(tun.ID)
	if snap.Metrics.TotalConnections != 1 {
		t.Errorf("TotalConnections = %d, want 1", snap.Metrics.TotalConnections)
	}
	if snap.Metrics.BytesOut == 0 || snap.Metrics.BytesIn == 0 {
		t.Errorf("byte counters not updated: %+v", snap.Metrics)
	}
}

func TestLocalTunnelForwardFailureIsContained(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{
		RefuseDirect: func(host string, port uint32) bool { return port == 9 },
	}, PolicyKeep)

	tun, err := env.mgr.Create(env.connID, Config{Type: TypeLocal, RemotePort: 9})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		c := dialTunnel(t, tun.LocalPort)
		buf := make([]byte, 1)
		if _, err := c.Read(buf); err == nil {
			t.Fatalf("attempt %d: expected the accepted socket to be closed", i+1)
		}
	}

	snap, ok := env.mgr.Get(tun.ID)
	if !ok || snap.Status != StatusActive {
		t.Fatalf("tunnel should stay active after forward failures: %+v", snap)
	}
	waitFor(t, func() bool {
		s, _ := env.mgr.Get(tun.ID)
		return s.Metrics.ForwardFailures == 2
	})
}

func TestLocalTunnelBindFailureRegistersNothing(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{}, PolicyKeep)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	_, err = env.mgr.Create(env.connID, Config{Type: TypeLocal, BindAddress: "127.0.0.1", BindPort: port, RemotePort: 80})
	var berr *BindError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BindError, got %v", err)
	}
	if env.mgr.Count() != 0 {
		t.Errorf("Count = %d, want 0 after bind failure", env.mgr.Count())
	}
}

func TestCreateRequiresConnectedConnection(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{}, PolicyKeep)

	_, err := env.mgr.Create("ssh-missing", Config{Type: TypeLocal, RemotePort: 80})
	if !errors.Is(err, sshmanager.ErrUnknownConnection) {
		t.Fatalf("err = %v, want ErrUnknownConnection", err)
	}

	_, err = env.mgr.Create(env.connID, Config{Type: "udp"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if env.mgr.Count() != 0 {
		t.Error("nothing should be registered")
	}
}

func TestDynamicTunnelSocks5(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{}, PolicyKeep)
	echoPort := startEchoServer(t)

	tun, err := env.mgr.Create(env.connID, Config{Type: TypeDynamic, BindPort: freePort(t)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tun.Target != "" {
		t.Errorf("dynamic tunnel should have no fixed target, got %q", tun.Target)
	}

	c := dialTunnel(t, tun.LocalPort)
	c.Write([]byte{0x05, 0x01, 0x00})
	method := make([]byte, 2)
	if _, err := io.ReadFull(c, method); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if !bytes.Equal(method, []byte{0x05, 0x00}) {
		t.Fatalf("method reply = % x", method)
	}

	c.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(echoPort >> 8), byte(echoPort)})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if !bytes.HasPrefix(reply, []byte{0x05, 0x00, 0x00, 0x01}) {
		t.Fatalf("connect reply = % x", reply)
	}
	roundTrip(t, c, "socks payload")
}

func TestDynamicTunnelForwardFailureReply(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{
		RefuseDirect: func(string, uint32) bool { return true },
	}, PolicyKeep)

	tun, err := env.mgr.Create(env.connID, Config{Type: TypeDynamic, BindPort: freePort(t)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := dialTunnel(t, tun.LocalPort)
	c.Write([]byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x03, 0x04, 'h', 'o', 's', 't', 0x00, 0x50})
	got, _ := io.ReadAll(c)
	want := []byte{0x05, 0x00, 0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("received % x, want % x", got, want)
	}
}

func TestDynamicTunnelProtocolViolation(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{}, PolicyKeep)
	tun, err := env.mgr.Create(env.connID, Config{Type: TypeDynamic, BindPort: freePort(t)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := dialTunnel(t, tun.LocalPort)
	c.Write([]byte{0x04, 0x01, 0x00, 0x50, 127, 0, 0, 1, 0x00})
	got, _ := io.ReadAll(c)
	if len(got) != 0 {
		t.Errorf("expected no reply to a SOCKS4 greeting, got % x", got)
	}

	// The listener keeps serving other clients.
	c2 := dialTunnel(t, tun.LocalPort)
	c2.Write([]byte{0x05, 0x01, 0x00})
	method := make([]byte, 2)
	if _, err := io.ReadFull(c2, method); err != nil {
		t.Fatalf("second client: %v", err)
	}
}

func TestRemoteTunnel(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{}, PolicyKeep)
	echoPort := startEchoServer(t)

	tun, err := env.mgr.Create(env.connID, Config{Type: TypeRemote, LocalPort: echoPort})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tun.RemotePort == 0 {
		t.Fatal("server-assigned remote port not reported")
	}
	if _, ok := env.srv.Forwards()[uint32(tun.RemotePort)]; !ok {
		t.Fatalf("server has no forward for port %d: %v", tun.RemotePort, env.srv.Forwards())
	}

	ch, err := env.srv.OpenForwarded("0.0.0.0", uint32(tun.RemotePort))
	if err != nil {
		t.Fatalf("open forwarded channel: %v", err)
	}
	roundTrip(t, ch, "from the remote side")
	ch.Close()

	// Streams for a port nobody registered are rejected, not dropped.
	_, err = env.srv.OpenForwarded("0.0.0.0", uint32(tun.RemotePort+100))
	var openErr *ssh.OpenChannelError
	if !errors.As(err, &openErr) || openErr.Reason != ssh.Prohibited {
		t.Fatalf("expected prohibited channel rejection, got %v", err)
	}

	if err := env.mgr.Close(tun.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, func() bool {
		for _, p := range env.srv.Cancelled() {
			if p == uint32(tun.RemotePort) {
				return true
			}
		}
		return false
	})
	if len(env.srv.Forwards()) != 0 {
		t.Errorf("forward still registered after close: %v", env.srv.Forwards())
	}
}

func TestRemoteTunnelRejectedByServer(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{RejectForward: true}, PolicyKeep)

	_, err := env.mgr.Create(env.connID, Config{Type: TypeRemote, LocalPort: 8080, RemotePort: 9000})
	var berr *BindError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BindError, got %v", err)
	}
	if env.mgr.Count() != 0 {
		t.Error("rejected remote forward must not be registered")
	}
}

func TestCloseUnknownAndRepeated(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{}, PolicyKeep)

	if err := env.mgr.Close("tunnel-missing"); !errors.Is(err, ErrUnknownTunnel) {
		t.Errorf("Close unknown = %v, want ErrUnknownTunnel", err)
	}

	tun, err := env.mgr.Create(env.connID, Config{Type: TypeLocal, RemotePort: 80})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.mgr.Close(tun.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := env.mgr.Get(tun.ID); ok {
		t.Error("tunnel still registered after close")
	}
	if _, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tun.LocalPort))); err == nil {
		t.Error("listener still accepting after close")
	}
	if err := env.mgr.Close(tun.ID); !errors.Is(err, ErrUnknownTunnel) {
		t.Errorf("second Close = %v, want ErrUnknownTunnel", err)
	}
}

func TestTunnelsOnSameConnectionAreIndependent(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{}, PolicyKeep)
	echoPort := startEchoServer(t)

	local, err := env.mgr.Create(env.connID, Config{Type: TypeLocal, RemotePort: echoPort})
	if err != nil {
		t.Fatal(err)
	}
	dynamic, err := env.mgr.Create(env.connID, Config{Type: TypeDynamic, BindPort: freePort(t)})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(env.mgr.List(env.connID)); got != 2 {
		t.Fatalf("List = %d tunnels, want 2", got)
	}

	if err := env.mgr.Close(dynamic.ID); err != nil {
		t.Fatal(err)
	}
	roundTrip(t, dialTunnel(t, local.LocalPort), "still forwarding")
	if !env.reg.IsConnected(env.connID) {
		t.Error("closing a tunnel must not affect its connection")
	}
	if err := env.mgr.Close(local.ID); err != nil {
		t.Fatal(err)
	}
}

func TestHandleConnectionLostPolicies(t *testing.T) {
	tests := []struct {
		policy     Policy
		wantCount  int
		wantStatus Status
	}{
		{PolicyKeep, 1, StatusActive},
		{PolicyMark, 1, StatusFailed},
		{PolicyClose, 0, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			env := newTunnelEnv(t, sshtest.Options{}, tt.policy)
			tun, err := env.mgr.Create(env.connID, Config{Type: TypeLocal, RemotePort: 80})
			if err != nil {
				t.Fatal(err)
			}

			env.mgr.HandleConnectionLost(env.connID)

			if env.mgr.Count() != tt.wantCount {
				t.Fatalf("Count = %d, want %d", env.mgr.Count(), tt.wantCount)
			}
			if tt.wantCount == 0 {
				return
			}
			snap, _ := env.mgr.Get(tun.ID)
			if snap.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", snap.Status, tt.wantStatus)
			}
			// The caller can always close it explicitly.
			if err := env.mgr.Close(tun.ID); err != nil {
				t.Errorf("close after loss: %v", err)
			}
		})
	}
}

func TestClearAll(t *testing.T) {
	env := newTunnelEnv(t, sshtest.Options{}, PolicyKeep)
	echoPort := startEchoServer(t)

	var ports []int
	for i := 0; i < 3; i++ {
		tun, err := env.mgr.Create(env.connID, Config{Type: TypeLocal, RemotePort: echoPort})
		if err != nil {
			t.Fatal(err)
		}
		ports = append(ports, tun.LocalPort)
	}
	remote, err := env.mgr.Create(env.connID, Config{Type: TypeRemote, LocalPort: echoPort})
	if err != nil {
		t.Fatal(err)
	}

	if err := env.mgr.ClearAll(); err != nil {
		t.Errorf("ClearAll: %v", err)
	}
	if env.mgr.Count() != 0 {
		t.Errorf("Count = %d after ClearAll", env.mgr.Count())
	}
	for _, p := range ports {
		if _, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p))); err == nil {
			t.Errorf("port %d still accepting", p)
		}
	}
	waitFor(t, func() bool {
		for _, p := range env.srv.Cancelled() {
			if p == uint32(remote.RemotePort) {
				return true
			}
		}
		return false
	})
}
