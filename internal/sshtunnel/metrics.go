package sshtunnel

import (
	"io"
	"sync/atomic"
)

// Metrics counts traffic through a tunnel. BytesOut flows from the accepting
// side toward the forward target, BytesIn the other way.
type Metrics struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	ForwardFailures   int64 `json:"forward_failures"`
	BytesIn           int64 `json:"bytes_in"`
	BytesOut          int64 `json:"bytes_out"`
}

type tunnelMetrics struct {
	active   atomic.Int64
	total    atomic.Int64
	failures atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

func (m *tunnelMetrics) snapshot() Metrics {
	return Metrics{
		ActiveConnections: m.active.Load(),
		TotalConnections:  m.total.Load(),
		ForwardFailures:   m.failures.Load(),
		BytesIn:           m.bytesIn.Load(),
		BytesOut:          m.bytesOut.Load(),
	}
}

type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}
