// Package sshterminal runs interactive PTY shells over registry connections.
//
// A [SessionManager] opens shells either on an existing connection
// ([SessionManager.OpenShellOn]) or on a fresh one it asks the registry to
// create ([SessionManager.OpenShell]), returning the connection and session
// IDs. Closing or losing a session never closes its connection.
//
// # Output delivery
//
// A relay goroutine per session reads the remote output into a
// [ScrollbackBuffer] and pushes each chunk to every [Subscription]. Delivery
// never blocks the relay: a subscriber whose buffer is full is dropped and
// its channel closed. It can subscribe again and replay the scrollback. One
// slot of every subscription buffer is reserved so the final exit event
// always arrives.
//
// # Limits
//
// Resize requests are bounded by [MaxTermCols] x [MaxTermRows]. Input frames
// from the network are bounded by [MaxInputMessageSize] and rate limited with
// [RateLimiter] by the stream handler.
//
// Log prefix: [session-mgr].
package sshterminal
