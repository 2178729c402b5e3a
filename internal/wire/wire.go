// Package wire is the terminator-framed, codec-encoded connection wrapper
// shared by the Manager, Client, and Service runtimes. Each of the three
// owns exactly one goroutine that calls its receive-side methods (section
// 9, "Ownership of writer handles"); Send/WriteEnvelope may be called from
// that goroutine or from another one forwarding a reply, so writes are
// serialized by their own mutex.
package wire

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mslnz/msl-network-go/internal/envelope"
	"github.com/mslnz/msl-network-go/internal/framer"
)

// Conn wraps one peer's socket with framing, codec, and write
// serialization.
type Conn struct {
	nc    net.Conn
	codec envelope.Codec
	scan  *framer.Scanner

	writeMu sync.Mutex
	pending [][]byte
}

// New wraps an already-dialed or already-accepted connection.
func New(nc net.Conn, codec envelope.Codec) *Conn {
	return &Conn{nc: nc, codec: codec, scan: framer.New()}
}

// RemoteAddr satisfies auth.Session.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// RemoteIP satisfies auth.Session, used by the TrustedHostnames mode.
func (c *Conn) RemoteIP() net.IP {
	host, _, err := net.SplitHostPort(c.nc.RemoteAddr().String())
	if err != nil {
		host = c.nc.RemoteAddr().String()
	}
	return net.ParseIP(host)
}

// Send encodes and writes one envelope, terminator-delimited.
func (c *Conn) Send(e *envelope.Envelope) error {
	data, err := c.codec.Encode(e)
	if err != nil {
		return err
	}
	data = append(data, framer.Terminator)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.nc.Write(data)
	return err
}

// WriteEnvelope satisfies registry.Writer (the Manager's non-owning handle
// for a peer's writer).
func (c *Conn) WriteEnvelope(e *envelope.Envelope) error {
	return c.Send(e)
}

// Recv blocks for the next complete frame and decodes it. A zero timeout
// disables the read deadline, the shape a steady-state receive loop uses.
func (c *Conn) Recv(timeout time.Duration) (*envelope.Envelope, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	frame, err := c.nextFrame(deadline)
	if err != nil {
		return nil, err
	}
	return c.decodeOrRaw(frame)
}

// RecvNext is Recv with no deadline.
func (c *Conn) RecvNext() (*envelope.Envelope, error) {
	return c.Recv(0)
}

// NextFrame returns the next terminator-delimited frame undecoded, so a
// caller that needs to fall back to a non-envelope grammar (the Manager's
// interactive terminal dialect) can inspect the raw bytes itself rather
// than receiving the generic {result: line} wrapper decodeOrRaw produces.
func (c *Conn) NextFrame(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return c.nextFrame(deadline)
}

// Decode runs the connection's codec over an already-read frame.
func (c *Conn) Decode(frame []byte) (*envelope.Envelope, error) {
	return c.codec.Decode(frame)
}

// decodeOrRaw accepts either a JSON envelope or, for interactive terminal
// peers, a bare line carried verbatim as the envelope's Result (section
// 4.3).
func (c *Conn) decodeOrRaw(frame []byte) (*envelope.Envelope, error) {
	if e, err := c.codec.Decode(frame); err == nil {
		return e, nil
	}
	return &envelope.Envelope{Result: strings.TrimSpace(string(frame))}, nil
}

// nextFrame drains any frames already scanned out of a prior Read before
// issuing a new one, so one coalesced read that produced several frames is
// consumed one at a time across repeated calls.
func (c *Conn) nextFrame(deadline time.Time) ([]byte, error) {
	for {
		if len(c.pending) > 0 {
			frame := c.pending[0]
			c.pending = c.pending[1:]
			return frame, nil
		}

		if err := c.nc.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		buf := make([]byte, 4096)
		n, err := c.nc.Read(buf)
		if n > 0 {
			if frames := c.scan.Feed(buf[:n]); len(frames) > 0 {
				c.pending = frames
				continue
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.nc.Close()
}
