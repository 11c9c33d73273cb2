// Package frame implements the muxer's wire frame: a fixed 12-byte header
// followed by a payload. See spec §4.A / §6.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nodecore/p2pstack/errcode"
)

// Type identifies the kind of frame.
type Type uint8

const (
	TypeData Type = iota
	TypeWindowUpdate
	TypePing
	TypeGoAway
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GO_AWAY"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Flags is a bitmask of TCP-style control flags.
type Flags uint16

const (
	FlagSYN Flags = 1 << iota
	FlagACK
	FlagFIN
	FlagRST
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Version is the only wire version this codec understands.
const Version = 0

// HeaderSize is the fixed, on-wire size of a frame header.
const HeaderSize = 1 + 1 + 2 + 4 + 4

// Session-level stream ID; reserved for PING and GO_AWAY frames.
const SessionStreamID = 0

// codedErr implements errcode.Coded.
type codedErr struct {
	kind errcode.Kind
	msg  string
}

func (e *codedErr) Error() string      { return e.msg }
func (e *codedErr) Kind() errcode.Kind { return e.kind }

var (
	// ErrBadVersion is returned when a decoded header carries an
	// unrecognized version byte.
	ErrBadVersion error = &codedErr{errcode.KindBadVersion, "frame: bad version"}
	// ErrShortHeader is returned when fewer than HeaderSize bytes are
	// available to decode a header.
	ErrShortHeader error = &codedErr{errcode.KindProtocolError, "frame: short header"}
	// ErrLengthMismatch is returned when the payload cannot be fully read.
	ErrLengthMismatch error = &codedErr{errcode.KindProtocolError, "frame: length mismatch"}
	// ErrPayloadTooLarge is returned by Encode when a payload exceeds the
	// configured maximum frame data size.
	ErrPayloadTooLarge error = &codedErr{errcode.KindProtocolError, "frame: payload exceeds maxFrameDataSize"}
	// ErrBadWindowUpdatePayload is returned by WindowUpdateDelta when a
	// WINDOW_UPDATE frame's payload isn't exactly 4 bytes.
	ErrBadWindowUpdatePayload error = &codedErr{errcode.KindProtocolError, "frame: window update payload must be 4 bytes"}
	// ErrBadPingPayload is returned when a PING frame's payload isn't
	// exactly 8 bytes.
	ErrBadPingPayload error = &codedErr{errcode.KindProtocolError, "frame: ping payload must be 8 bytes"}
	// ErrBadGoAwayPayload is returned when a GO_AWAY frame's payload isn't
	// exactly 4 bytes.
	ErrBadGoAwayPayload error = &codedErr{errcode.KindProtocolError, "frame: go away payload must be 4 bytes"}
)

// Header is the fixed portion of a Frame.
type Header struct {
	Type     Type
	Flags    Flags
	StreamID uint32
	Length   uint32
}

// Frame is a decoded muxer frame: a Header plus its payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// NewData constructs a DATA frame, optionally carrying SYN/ACK/FIN flags.
func NewData(streamID uint32, flags Flags, payload []byte) Frame {
	return Frame{Header{TypeData, flags, streamID, uint32(len(payload))}, payload}
}

// NewWindowUpdate constructs a WINDOW_UPDATE frame carrying a 4-byte delta.
func NewWindowUpdate(streamID uint32, flags Flags, delta uint32) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, delta)
	return Frame{Header{TypeWindowUpdate, flags, streamID, 4}, payload}
}

// NewPing constructs a session-level PING frame carrying an 8-byte opaque
// id; set ack=true to construct the reply.
func NewPing(id uint64, ack bool) Frame {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, id)
	var flags Flags
	if ack {
		flags = FlagACK
	}
	return Frame{Header{TypePing, flags, SessionStreamID, 8}, payload}
}

// PingID extracts the opaque id from a PING frame's payload.
func PingID(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, ErrBadPingPayload
	}
	return binary.BigEndian.Uint64(payload), nil
}

// NewGoAway constructs a session-level GO_AWAY frame carrying a 4-byte
// error code.
func NewGoAway(code uint32) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, code)
	return Frame{Header{TypeGoAway, 0, SessionStreamID, 4}, payload}
}

// GoAwayCode extracts the error code from a GO_AWAY frame's payload.
func GoAwayCode(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, ErrBadGoAwayPayload
	}
	return binary.BigEndian.Uint32(payload), nil
}

// WindowUpdateDelta extracts the delta from a WINDOW_UPDATE frame's payload.
func WindowUpdateDelta(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, ErrBadWindowUpdatePayload
	}
	return binary.BigEndian.Uint32(payload), nil
}

// Encode serializes f's header and payload into a single buffer, refusing
// payloads larger than maxFrameDataSize.
func Encode(f Frame, maxFrameDataSize int) ([]byte, error) {
	if len(f.Payload) > maxFrameDataSize {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	encodeHeader(buf[:HeaderSize], f.Header)
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

func encodeHeader(buf []byte, h Header) {
	buf[0] = Version
	buf[1] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Flags))
	binary.BigEndian.PutUint32(buf[4:8], h.StreamID)
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
}

func decodeHeader(buf []byte) (Header, error) {
	if buf[0] != Version {
		return Header{}, ErrBadVersion
	}
	return Header{
		Type:     Type(buf[1]),
		Flags:    Flags(binary.BigEndian.Uint16(buf[2:4])),
		StreamID: binary.BigEndian.Uint32(buf[4:8]),
		Length:   binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// Decode reads exactly one frame from r: a 12-byte header followed by
// header.Length bytes of payload.
func Decode(r io.Reader) (Frame, error) {
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrShortHeader, err)
	}
	h, err := decodeHeader(hbuf[:])
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrLengthMismatch, err)
		}
	}
	return Frame{h, payload}, nil
}
