package sshtunnel

import (
	"errors"
	"log"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshdesk/internal/socks5"
)

// startDynamic binds the SOCKS5 listener. The forward target is negotiated
// per accepted socket.
func (m *Manager) startDynamic(t *activeTunnel, client *ssh.Client) (func(net.Conn), error) {
	bind := t.cfg.localBind()
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, &BindError{Addr: bind, Err: err}
	}
	t.listener = ln
	t.listenAddr = ln.Addr().String()
	t.localPort = ln.Addr().(*net.TCPAddr).Port

	return func(conn net.Conn) {
		target, req, err := socks5.Negotiate(conn, func(req socks5.Request) (net.Conn, error) {
			return client.Dial("tcp", req.Addr())
		})
		if err != nil {
			var perr *socks5.ProtocolError
			switch {
			case errors.As(err, &perr):
				log.Printf("[socks5] %s: %v", t.id, perr)
				conn.Close()
			case req != nil:
				m.forwardFailed(t, conn, req.Addr(), err)
			default:
				conn.Close()
			}
			return
		}
		t.splice(conn, target)
	}, nil
}
