// Package sshtest provides an in-process SSH server for tests.
//
// The server supports password, keyboard-interactive and public-key auth,
// exec requests with exit status and stderr, PTY shells that echo their
// input, direct-tcpip channels (dialled for real unless refused), and the
// tcpip-forward/cancel-tcpip-forward global requests. Forwarded connections
// are injected on demand with [Server.OpenForwarded].
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// MotdOutput is what the default exec handler prints for the login-info
// command used to build welcome banners.
const MotdOutput = "=== SSH_LOGIN_INFO_START ===\nWelcome to sshtest\n=== SSH_LOGIN_INFO_END ===\n"

// ExecResult is the scripted outcome of an exec request.
type ExecResult struct {
	Stdout string
	Stderr string
	// Status is sent as exit-status. NoStatus closes the channel without one.
	Status   uint32
	NoStatus bool
}

// Options configures a Server. Zero values give a password server for
// user "test" / password "secret".
type Options struct {
	User     string
	Password string
	// KeyboardInteractive replaces plain password auth with a single
	// "Password: " keyboard-interactive challenge.
	KeyboardInteractive bool
	AuthorizedKey       ssh.PublicKey
	Banner              string

	// Exec overrides the default command handler.
	Exec func(cmd string) ExecResult
	// RefuseDirect rejects direct-tcpip opens for which it returns true.
	RefuseDirect func(host string, port uint32) bool
	// RejectForward makes tcpip-forward requests fail.
	RejectForward bool
	// SilentKeepalive leaves keepalive@openssh.com requests unanswered.
	SilentKeepalive bool
}

// PtyRequest records the most recent pty-req.
type PtyRequest struct {
	Term string
	Cols uint32
	Rows uint32
}

// Server is a running in-process SSH server.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	opts     Options
	config   *ssh.ServerConfig
	listener net.Listener

	mu        sync.Mutex
	conns     []*ssh.ServerConn
	netConns  []net.Conn
	forwards  map[uint32]string
	nextPort  uint32
	pty       PtyRequest
	window    [2]uint32
	execLog   []string
	cancelLog []uint32

	wg sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1 and registers its shutdown with
// t.Cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.User == "" {
		opts.User = "test"
	}
	if opts.Password == "" {
		opts.Password = "secret"
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	s := &Server{
		HostKey:  hostSigner.PublicKey(),
		opts:     opts,
		forwards: make(map[uint32]string),
		nextPort: 40000,
	}

	config := &ssh.ServerConfig{}
	if opts.KeyboardInteractive {
		config.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if conn.User() == opts.User && len(answers) == 1 && answers[0] == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("keyboard-interactive rejected")
		}
	} else {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == opts.User && string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected")
		}
	}
	if opts.AuthorizedKey != nil {
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == opts.User && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(opts.AuthorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	if opts.Banner != "" {
		config.BannerCallback = func(ssh.ConnMetadata) string { return opts.Banner }
	}
	config.AddHostKey(hostSigner)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Close)
	return s
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr)
	port, _ := strconv.Atoi(p)
	return port
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every underlying TCP connection without an SSH
// disconnect, simulating a network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.netConns
	s.netConns = nil
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Forwards returns the active remote-forward registrations keyed by port.
func (s *Server) Forwards() map[uint32]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]string, len(s.forwards))
	for k, v := range s.forwards {
		out[k] = v
	}
	return out
}

// Cancelled returns the ports named by cancel-tcpip-forward requests, in order.
func (s *Server) Cancelled() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.cancelLog...)
}

// LastPty returns the most recent pty-req.
func (s *Server) LastPty() PtyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pty
}

// LastWindow returns the most recent window-change dimensions.
func (s *Server) LastWindow() (cols, rows uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window[0], s.window[1]
}

// ExecLog returns every exec command received, in order.
func (s *Server) ExecLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execLog...)
}

// ConnCount returns the number of live SSH connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// OpenForwarded opens a forwarded-tcpip channel on the most recent client
// connection, as if a peer had connected to addr:port on the server.
func (s *Server) OpenForwarded(addr string, port uint32) (ssh.Channel, error) {
	s.mu.Lock()
	if len(s.conns) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("sshtest: no client connection")
	}
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()

	payload := ssh.Marshal(struct {
		Addr       string
		Port       uint32
		OriginAddr string
		OriginPort uint32
	}{addr, port, "127.0.0.1", 50000})

	ch, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(netConn)
		}()
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.netConns = append(s.netConns, netConn)
	s.mu.Unlock()

	go s.handleGlobalRequests(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			go s.handleDirect(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}

	s.mu.Lock()
	for i, c := range s.conns {
		if c == sshConn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *Server) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var p struct {
				Addr string
				Port uint32
			}
			if s.opts.RejectForward || ssh.Unmarshal(req.Payload, &p) != nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			port := p.Port
			if port == 0 {
				s.nextPort++
				port = s.nextPort
			}
			s.forwards[port] = p.Addr
			s.mu.Unlock()
			if p.Port == 0 {
				req.Reply(true, ssh.Marshal(struct{ Port uint32 }{port}))
			} else {
				req.Reply(true, nil)
			}
		case "cancel-tcpip-forward":
			var p struct {
				Addr string
				Port uint32
			}
			if ssh.Unmarshal(req.Payload, &p) != nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			_, ok := s.forwards[p.Port]
			delete(s.forwards, p.Port)
			s.cancelLog = append(s.cancelLog, p.Port)
			s.mu.Unlock()
			req.Reply(ok, nil)
		case "keepalive@openssh.com":
			if !s.opts.SilentKeepalive {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) handleDirect(newChan ssh.NewChannel) {
	var p struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &p); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	if s.opts.RefuseDirect != nil && s.opts.RefuseDirect(p.Host, p.Port) {
		newChan.Reject(ssh.Prohibited, "refused")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, target)
		ch.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(target, ch)
		if tc, ok := target.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
	ch.Close()
	target.Close()
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p struct {
				Term   string
				Cols   uint32
				Rows   uint32
				Width  uint32
				Height uint32
				Modes  string
			}
			ssh.Unmarshal(req.Payload, &p)
			s.mu.Lock()
			s.pty = PtyRequest{Term: p.Term, Cols: p.Cols, Rows: p.Rows}
			s.window = [2]uint32{p.Cols, p.Rows}
			s.mu.Unlock()
			req.Reply(true, nil)
		case "window-change":
			var p struct {
				Cols   uint32
				Rows   uint32
				Width  uint32
				Height uint32
			}
			ssh.Unmarshal(req.Payload, &p)
			s.mu.Lock()
			s.window = [2]uint32{p.Cols, p.Rows}
			s.mu.Unlock()
		case "env":
			req.Reply(true, nil)
		case "exec":
			var p struct{ Command string }
			ssh.Unmarshal(req.Payload, &p)
			req.Reply(true, nil)
			s.mu.Lock()
			s.execLog = append(s.execLog, p.Command)
			s.mu.Unlock()
			s.runExec(ch, p.Command)
			return
		case "shell":
			req.Reply(true, nil)
			go func() {
				for r := range requests {
					if r.Type == "window-change" {
						var p struct{ Cols, Rows, Width, Height uint32 }
						ssh.Unmarshal(r.Payload, &p)
						s.mu.Lock()
						s.window = [2]uint32{p.Cols, p.Rows}
						s.mu.Unlock()
					} else if r.WantReply {
						r.Reply(false, nil)
					}
				}
			}()
			runEchoShell(ch)
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runExec(ch ssh.Channel, cmd string) {
	handler := s.opts.Exec
	if handler == nil {
		handler = DefaultExec
	}
	res := handler(cmd)
	if res.Stdout != "" {
		io.WriteString(ch, res.Stdout)
	}
	if res.Stderr != "" {
		io.WriteString(ch.Stderr(), res.Stderr)
	}
	if !res.NoStatus {
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{res.Status}))
	}
}

// DefaultExec understands a handful of commands:
//
//	echo ARGS      prints ARGS and a newline
//	fail N MSG     prints MSG to stderr and exits N
//	noexit         closes without an exit status
//	the login-info command prints MotdOutput
//
// Anything else exits 127.
func DefaultExec(cmd string) ExecResult {
	switch {
	case strings.Contains(cmd, "SSH_LOGIN_INFO_START"):
		return ExecResult{Stdout: MotdOutput}
	case cmd == "echo":
		return ExecResult{Stdout: "\n"}
	case strings.HasPrefix(cmd, "echo "):
		return ExecResult{Stdout: strings.TrimPrefix(cmd, "echo ") + "\n"}
	case strings.HasPrefix(cmd, "fail "):
		parts := strings.SplitN(strings.TrimPrefix(cmd, "fail "), " ", 2)
		code, _ := strconv.Atoi(parts[0])
		msg := ""
		if len(parts) > 1 {
			msg = parts[1] + "\n"
		}
		return ExecResult{Stderr: msg, Status: uint32(code)}
	case cmd == "noexit":
		return ExecResult{NoStatus: true}
	}
	return ExecResult{Stderr: "command not found\n", Status: 127}
}

// runEchoShell echoes input back until a line reading "exit" or "exit N".
func runEchoShell(ch ssh.Channel) {
	buf := make([]byte, 4096)
	var line []byte
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write(buf[:n])
			for _, b := range buf[:n] {
				if b != '\r' && b != '\n' {
					line = append(line, b)
					continue
				}
				cmd := strings.TrimSpace(string(line))
				line = line[:0]
				if cmd == "exit" || strings.HasPrefix(cmd, "exit ") {
					code, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(cmd, "exit")))
					ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}
