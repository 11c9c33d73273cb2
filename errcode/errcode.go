// Package errcode classifies the sentinel errors raised by frame, msstream,
// and yamux so that callers (and tests asserting the properties in spec
// §8) can dispatch on error *kind* rather than on package-specific sentinel
// identity, without introducing a shared dependency cycle between those
// packages.
package errcode

import "errors"

// Kind is one of the error taxonomy entries from spec §7.
type Kind string

const (
	KindUnknown          Kind = ""
	KindBadVersion       Kind = "BAD_VERSION"
	KindProtocolError    Kind = "PROTOCOL_ERROR"
	KindMessageTooLarge  Kind = "MESSAGE_TOO_LARGE"
	KindBadResponse      Kind = "BAD_RESPONSE"
	KindLimit            Kind = "LIMIT"
	KindDeadline         Kind = "DEADLINE"
	KindReset            Kind = "RESET"
	KindClosed           Kind = "CLOSED"
	KindKeepAliveTimeout Kind = "KEEP_ALIVE_TIMEOUT"
)

// Coded is implemented by sentinel errors that know their own taxonomy kind.
type Coded interface {
	error
	Kind() Kind
}

// Classify walks err's chain (via errors.As) looking for a Coded error and
// returns its Kind, or KindUnknown if none is found.
func Classify(err error) Kind {
	var c Coded
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindUnknown
}
