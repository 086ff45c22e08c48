package sshtunnel

import (
	"net"

	"golang.org/x/crypto/ssh"
)

// startRemote registers a server-side listener (tcpip-forward). Closing the
// returned listener sends cancel-tcpip-forward for the same address.
func (m *Manager) startRemote(t *activeTunnel, client *ssh.Client) (func(net.Conn), error) {
	bind := t.cfg.remoteBind()
	ln, err := client.Listen("tcp", bind)
	if err != nil {
		return nil, &BindError{Addr: bind, Err: err}
	}
	t.listener = ln
	t.listenAddr = ln.Addr().String()
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		t.remotePort = addr.Port
	}
	t.target = t.cfg.remoteTarget()
	t.localPort = t.cfg.LocalPort

	return func(conn net.Conn) {
		local, err := net.Dial("tcp", t.target)
		if err != nil {
			m.forwardFailed(t, conn, t.target, err)
			return
		}
		t.splice(conn, local)
	}, nil
}
