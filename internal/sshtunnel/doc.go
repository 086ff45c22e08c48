// Package sshtunnel creates and tears down port forwards that ride on
// connections owned by the sshmanager registry.
//
// Three topologies are supported:
//
//   - local: listen on bindAddress:bindPort (default 127.0.0.1:0) and open a
//     direct-tcpip channel to remoteHost:remotePort for every accepted socket.
//   - remote: ask the server to listen on 0.0.0.0:bindPort (falling back to
//     remotePort, 0 lets the server choose) and dial localHost:localPort for
//     every forwarded stream. Streams for ports nobody registered are
//     rejected by the transport with "no forward for address".
//   - dynamic: listen on bindAddress:bindPort (default 127.0.0.1:1080) and
//     act as a SOCKS5 CONNECT proxy, choosing the channel target per socket.
//
// A tunnel only references its connection by ID. Losing the connection does
// not close the tunnel; [Manager.HandleConnectionLost] applies the configured
// [Policy] (keep, mark or close). Failure to forward one accepted socket
// closes only that socket.
//
// Close stops accepting (and cancels the remote registration for remote
// tunnels). In-flight spliced pairs finish on their own. The tunnel entry is
// always removed, even when teardown reports an error.
//
// Log prefix: [tunnel].
package sshtunnel
