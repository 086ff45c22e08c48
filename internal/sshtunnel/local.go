package sshtunnel

import (
	"net"

	"golang.org/x/crypto/ssh"
)

// startLocal binds the local listener. Each accepted socket gets its own
// direct-tcpip channel to the fixed target.
func (m *Manager) startLocal(t *activeTunnel, client *ssh.Client) (func(net.Conn), error) {
	bind := t.cfg.localBind()
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, &BindError{Addr: bind, Err: err}
	}
	t.listener = ln
	t.listenAddr = ln.Addr().String()
	t.localPort = ln.Addr().(*net.TCPAddr).Port
	t.target = t.cfg.localTarget()
	t.remotePort = t.cfg.RemotePort
	if t.remotePort == 0 {
		t.remotePort = DefaultRemoteTarget
	}

	return func(conn net.Conn) {
		remote, err := client.Dial("tcp", t.target)
		if err != nil {
			m.forwardFailed(t, conn, t.target, err)
			return
		}
		t.splice(conn, remote)
	}, nil
}
