// Package msstream implements the multistream-select line protocol: a
// length-delimited, newline-terminated token message format (codec, spec
// §4.B), and the listener/initiator negotiation state machines built on top
// of it (negotiator, spec §4.C).
package msstream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nodecore/p2pstack/errcode"
)

// ProtocolID is the multistream-select version token exchanged at the start
// of every negotiation.
const ProtocolID = "/multistream/1.0.0"

// NA is the literal token written back when a requested protocol has no
// handler.
const NA = "na"

// MaxMessageLength is the largest message readMessage will accept before
// failing with ErrMessageTooLarge.
const MaxMessageLength = 1024

type codedErr struct {
	kind errcode.Kind
	msg  string
}

func (e *codedErr) Error() string      { return e.msg }
func (e *codedErr) Kind() errcode.Kind { return e.kind }

var (
	// ErrMessageTooLarge is returned by ReadMessage when the declared
	// length exceeds MaxMessageLength.
	ErrMessageTooLarge error = &codedErr{errcode.KindMessageTooLarge, "msstream: message too large"}
	// ErrMissingNewline is returned when a message's declared length does
	// not end with the trailing newline delimiter.
	ErrMissingNewline error = &codedErr{errcode.KindProtocolError, "msstream: message missing trailing newline"}
)

// WriteMessage writes one length-delimited message: an unsigned varint
// byte-length (including the trailing '\n') followed by payload followed
// by '\n'. It is assembled in one buffer and written in a single Write
// call so the message is not fragmented across the underlying pipe.
func WriteMessage(w io.Writer, payload string) error {
	lenbuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenbuf, uint64(len(payload)+1))
	buf := make([]byte, 0, n+len(payload)+1)
	buf = append(buf, lenbuf[:n]...)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// byteReader adapts an io.Reader lacking ReadByte (as required by
// binary.ReadUvarint) to one that has it, reading one byte at a time.
type byteReader struct {
	io.Reader
}

func (br byteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(br.Reader, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadMessage reads one length-delimited message and returns its payload
// with the trailing newline stripped.
func ReadMessage(r io.Reader) (string, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = byteReader{r}
	}
	length, err := binary.ReadUvarint(br)
	if err != nil {
		return "", fmt.Errorf("msstream: read length prefix: %w", err)
	}
	if length == 0 {
		return "", ErrMissingNewline
	}
	if length > MaxMessageLength {
		return "", ErrMessageTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("msstream: read message body: %w", err)
	}
	if buf[length-1] != '\n' {
		return "", ErrMissingNewline
	}
	return string(buf[:length-1]), nil
}
