// Package sshmanager owns the live SSH connections of the process.
//
// A [Registry] maps opaque connection IDs ("ssh-<uuid>") to established
// transports. Connect performs the full handshake, authentication and a
// best-effort welcome-banner fetch before registering anything, so a failed
// connect never leaves a partial entry behind.
//
// # Connection states
//
//	connecting -> connected -> disconnected | failed
//
// Explicit Disconnect and ClearAll move a connection to disconnected and
// remove it. A transport that ends on its own (server closed it, keepalive
// exhaustion, network error) stays registered in the disconnected or failed
// state, so callers can observe what happened, until Disconnect is called.
// Hooks registered with [Registry.OnConnectionLost] fire exactly once for
// such a loss and never for explicit closes.
//
// # Keepalive
//
// Each connection sends "keepalive@openssh.com" global requests every
// KeepaliveInterval. After KeepaliveCountMax consecutive misses the transport
// is closed and the connection is marked failed.
//
// # Algorithms
//
// The client offers a deliberately broad list of key-exchange, cipher,
// host-key and MAC algorithms so older servers remain reachable. The lists
// can be replaced with a YAML file, see [LoadAlgorithms].
//
// # Events
//
// State transitions (last 50) and connection events (last 100) are kept per
// connection for the events endpoint. All log lines use the [ssh] prefix.
package sshmanager
