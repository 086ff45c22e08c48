// Package socks5 implements the server side of a minimal SOCKS5 subset:
// no authentication, CONNECT only, IPv4 and domain-name targets.
//
// Each accepted connection is negotiated independently by [Negotiate]; the
// package holds no shared state. Malformed input yields a *[ProtocolError]
// and nothing is written back, so the caller just closes the socket.
package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

const (
	Version = 0x05

	MethodNoAuth = 0x00

	CmdConnect = 0x01

	AtypIPv4   = 0x01
	AtypDomain = 0x03

	ReplySucceeded       = 0x00
	ReplyHostUnreachable = 0x04
)

// Negotiation stages reported by ProtocolError.
const (
	StageGreeting = "greeting"
	StageRequest  = "request"
	StageAddress  = "address"
)

// ProtocolError reports malformed or unsupported SOCKS5 input.
type ProtocolError struct {
	Stage  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("socks5 %s: %s", e.Stage, e.Reason)
}

// Request is a parsed CONNECT request.
type Request struct {
	AddrType byte
	Host     string
	Port     uint16
}

// Addr returns the target as host:port.
func (r Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// DialFunc opens the outbound stream for a parsed request.
type DialFunc func(req Request) (net.Conn, error)

// Negotiate runs the handshake on conn, dials the requested target and sends
// the final reply. On success the caller owns the returned target stream and
// splices it with conn. On any error the caller closes conn.
func Negotiate(conn io.ReadWriter, dial DialFunc) (net.Conn, *Request, error) {
	if err := readGreeting(conn); err != nil {
		return nil, nil, err
	}
	if _, err := conn.Write([]byte{Version, MethodNoAuth}); err != nil {
		return nil, nil, err
	}

	req, err := ReadRequest(conn)
	if err != nil {
		return nil, nil, err
	}

	target, err := dial(*req)
	if err != nil {
		WriteReply(conn, ReplyHostUnreachable)
		return nil, req, err
	}
	if err := WriteReply(conn, ReplySucceeded); err != nil {
		target.Close()
		return nil, req, err
	}
	return target, req, nil
}

func readGreeting(r io.Reader) error {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return err
	}
	if head[0] != Version {
		return &ProtocolError{Stage: StageGreeting, Reason: fmt.Sprintf("unsupported version %#x", head[0])}
	}
	methods := make([]byte, int(head[1]))
	if _, err := io.ReadFull(r, methods); err != nil {
		return err
	}
	return nil
}

// ReadRequest parses a CONNECT request following the method selection.
func ReadRequest(r io.Reader) (*Request, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	if head[0] != Version {
		return nil, &ProtocolError{Stage: StageRequest, Reason: fmt.Sprintf("unsupported version %#x", head[0])}
	}
	if head[1] != CmdConnect {
		return nil, &ProtocolError{Stage: StageRequest, Reason: fmt.Sprintf("unsupported command %#x", head[1])}
	}

	req := &Request{AddrType: head[3]}
	switch head[3] {
	case AtypIPv4:
		ip := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return nil, err
		}
		req.Host = net.IP(ip).String()
	case AtypDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(r, n); err != nil {
			return nil, err
		}
		if n[0] == 0 {
			return nil, &ProtocolError{Stage: StageAddress, Reason: "empty domain name"}
		}
		name := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, err
		}
		req.Host = string(name)
	default:
		return nil, &ProtocolError{Stage: StageAddress, Reason: fmt.Sprintf("unsupported address type %#x", head[3])}
	}

	port := make([]byte, 2)
	if _, err := io.ReadFull(r, port); err != nil {
		return nil, err
	}
	req.Port = binary.BigEndian.Uint16(port)
	return req, nil
}

// WriteReply writes a reply with an all-zero IPv4 bound address.
func WriteReply(w io.Writer, status byte) error {
	_, err := w.Write([]byte{Version, status, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
