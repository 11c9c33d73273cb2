// Package transport supplies the pushback-capable byte-pipe abstraction
// the upgrader sequences its layers over (spec §6): a reliable,
// bidirectional stream that lets an upper layer return unconsumed bytes
// to the front of the read side, for a negotiator that reads past the
// exact token boundary it needed.
package transport

import (
	"net"
	"time"
)

// Pipe is the minimal reliable byte-pipe contract shared by every layer
// of the upgrade sequence (raw conn, secured conn, muxed stream all
// satisfy it).
type Pipe interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetDeadline(t time.Time) error
}

// PushBacker is implemented by pipes that support returning unconsumed
// bytes to the front of the read side.
type PushBacker interface {
	PushBack(p []byte)
}

// NetPipe wraps a net.Conn, adding PushBack so a layer that over-reads can
// return bytes that belong to the next protocol layer. msstream itself
// reads exact message lengths and never needs it.
type NetPipe struct {
	net.Conn
	pending []byte
}

// NewNetPipe wraps conn in a NetPipe.
func NewNetPipe(conn net.Conn) *NetPipe {
	return &NetPipe{Conn: conn}
}

// PushBack prepends p to the next Read's output. Repeated calls stack:
// the most recently pushed-back bytes are read first.
func (p *NetPipe) PushBack(b []byte) {
	if len(b) == 0 {
		return
	}
	buf := make([]byte, len(b)+len(p.pending))
	copy(buf, b)
	copy(buf[len(b):], p.pending)
	p.pending = buf
}

// Read drains any pushed-back bytes before reading from the underlying
// conn.
func (p *NetPipe) Read(b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
