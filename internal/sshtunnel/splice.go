package sshtunnel

import (
	"io"
	"net"
)

// splice pipes data between the accepted stream and the forward target until
// one side closes or errors, then closes both.
func (t *activeTunnel) splice(accepted, target net.Conn) {
	t.metrics.active.Add(1)
	defer t.metrics.active.Add(-1)

	done := make(chan struct{}, 2)
	cp := func(dst io.Writer, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(countingWriter{w: target, n: &t.metrics.bytesOut}, accepted)
	go cp(countingWriter{w: accepted, n: &t.metrics.bytesIn}, target)

	<-done
	accepted.Close()
	target.Close()
	// Wait for the second copy to finish
	<-done
}
