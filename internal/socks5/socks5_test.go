package socks5

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
)

// rw feeds scripted input and captures output.
type rw struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newRW(input []byte) *rw { return &rw{in: bytes.NewReader(input)} }

func (c *rw) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *rw) Write(p []byte) (int, error) { return c.out.Write(p) }

func pipeDial(t *testing.T, got *Request) DialFunc {
	return func(req Request) (net.Conn, error) {
		*got = req
		a, b := net.Pipe()
		t.Cleanup(func() { a.Close(); b.Close() })
		return a, nil
	}
}

func TestNegotiateIPv4Connect(t *testing.T) {
	input := []byte{
		0x05, 0x01, 0x00, // greeting: one method, no auth
		0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50, // CONNECT 93.184.216.34:80
	}
	c := newRW(input)
	var got Request
	target, req, err := Negotiate(c, pipeDial(t, &got))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if target == nil {
		t.Fatal("expected target stream")
	}
	if req.Addr() != "93.184.216.34:80" || got.Addr() != "93.184.216.34:80" {
		t.Errorf("target = %s, want 93.184.216.34:80", req.Addr())
	}

	out := c.out.Bytes()
	if !bytes.Equal(out[:2], []byte{0x05, 0x00}) {
		t.Errorf("method reply = % x, want 05 00", out[:2])
	}
	reply := out[2:]
	if !bytes.HasPrefix(reply, []byte{0x05, 0x00, 0x00, 0x01}) {
		t.Errorf("connect reply = % x, want prefix 05 00 00 01", reply)
	}
	if len(reply) != 10 {
		t.Errorf("connect reply length = %d, want 10", len(reply))
	}
}

func TestNegotiateDomainConnect(t *testing.T) {
	host := "example.com"
	input := append([]byte{0x05, 0x02, 0x00, 0x02, 0x05, 0x01, 0x00, 0x03, byte(len(host))}, host...)
	input = append(input, 0x01, 0xBB)

	var got Request
	_, req, err := Negotiate(newRW(input), pipeDial(t, &got))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if req.Host != host || req.Port != 443 || req.AddrType != AtypDomain {
		t.Errorf("request = %+v", req)
	}
}

func TestNegotiateRejectsWithoutReply(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		stage string
		// replied is the number of bytes expected before the violation.
		replied int
	}{
		{"socks4 greeting", []byte{0x04, 0x01, 0x00, 0x50, 1, 2, 3, 4, 0}, StageGreeting, 0},
		{"bind command", []byte{0x05, 0x01, 0x00, 0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0, 80}, StageRequest, 2},
		{"udp associate", []byte{0x05, 0x01, 0x00, 0x05, 0x03, 0x00, 0x01, 1, 2, 3, 4, 0, 80}, StageRequest, 2},
		{"request version", []byte{0x05, 0x01, 0x00, 0x04, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0, 80}, StageRequest, 2},
		{"ipv6 address", []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x04}, StageAddress, 2},
		{"empty domain", []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x03, 0x00}, StageAddress, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newRW(tt.input)
			dialed := false
			_, _, err := Negotiate(c, func(Request) (net.Conn, error) {
				dialed = true
				return nil, errors.New("unexpected dial")
			})
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProtocolError, got %v", err)
			}
			if perr.Stage != tt.stage {
				t.Errorf("Stage = %q, want %q", perr.Stage, tt.stage)
			}
			if c.out.Len() != tt.replied {
				t.Errorf("wrote %d bytes (% x), want %d", c.out.Len(), c.out.Bytes(), tt.replied)
			}
			if dialed {
				t.Error("dial must not be attempted")
			}
		})
	}
}

func TestNegotiateDialFailure(t *testing.T) {
	input := []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x1F, 0x90}
	c := newRW(input)
	dialErr := errors.New("channel open refused")

	target, req, err := Negotiate(c, func(Request) (net.Conn, error) { return nil, dialErr })
	if !errors.Is(err, dialErr) {
		t.Fatalf("err = %v, want dial error", err)
	}
	if target != nil {
		t.Error("no target expected on failure")
	}
	if req == nil || req.Addr() != "10.0.0.1:8080" {
		t.Errorf("request = %+v", req)
	}
	want := []byte{0x05, 0x00, 0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(c.out.Bytes(), want) {
		t.Errorf("wrote % x, want % x", c.out.Bytes(), want)
	}
}

func TestNegotiateTruncatedInput(t *testing.T) {
	for _, input := range [][]byte{
		{},
		{0x05},
		{0x05, 0x02, 0x00},
		{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 1, 2},
		{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x03, 0x05, 'a', 'b'},
	} {
		_, _, err := Negotiate(newRW(input), func(Request) (net.Conn, error) {
			t.Fatal("dial must not be attempted")
			return nil, nil
		})
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("input % x: err = %v, want EOF", input, err)
		}
	}
}
