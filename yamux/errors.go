package yamux

import (
	"errors"
	"io"
	"net"

	"github.com/nodecore/p2pstack/errcode"
)

type codedErr struct {
	kind errcode.Kind
	msg  string
}

func (e *codedErr) Error() string      { return e.msg }
func (e *codedErr) Kind() errcode.Kind { return e.kind }

// Errors relating to stream and session shutdown (spec §7).
var (
	ErrProtocolError     error = &codedErr{errcode.KindProtocolError, "yamux: protocol error"}
	ErrRecvWindowExceeded error = &codedErr{errcode.KindProtocolError, "yamux: receive window exceeded"}
	ErrIDExhausted       error = &codedErr{errcode.KindProtocolError, "yamux: stream ids exhausted"}
	ErrLimit             error = &codedErr{errcode.KindLimit, "yamux: max streams reached"}
	ErrDeadline          error = &codedErr{errcode.KindDeadline, "yamux: deadline exceeded"}
	ErrReset             error = &codedErr{errcode.KindReset, "yamux: stream reset"}
	ErrStreamClosed      error = &codedErr{errcode.KindClosed, "yamux: stream closed"}
	ErrSessionClosed     error = &codedErr{errcode.KindClosed, "yamux: session closed"}
	ErrGoAway            error = &codedErr{errcode.KindClosed, "yamux: session going away, new streams refused"}
	ErrKeepAliveTimeout  error = &codedErr{errcode.KindKeepAliveTimeout, "yamux: keep-alive timed out"}
)

// isClosedPipeError reports whether err indicates the peer closed the
// underlying byte-pipe, as distinct from some other I/O failure. Based on
// the teacher's own platform-specific connection-close classification
// (errors_windows.go's isConnCloseError), generalized with errors.Is so it
// applies uniformly across platforms without relying on syscall-specific
// error codes.
func isClosedPipeError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, ErrSessionClosed)
}
