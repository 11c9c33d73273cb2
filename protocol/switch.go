// Package protocol implements the application-facing protocol switch
// (spec §4.H): a registry of protocol handlers keyed by multistream
// protocol id, and the listener-side negotiate+dispatch sequence run
// over a freshly accepted stream.
package protocol

import (
	"github.com/nodecore/p2pstack/msstream"
)

// Stream is the minimal surface a handler needs: a negotiable pipe that
// can also be reset.
type Stream interface {
	msstream.Pipe
	msstream.Resetter
	Close() error
}

// HandlerFunc handles a stream after its protocol has been negotiated.
type HandlerFunc func(protocolID string, stream Stream) error

// Switch is the top-level protocol dispatch table a listener consults
// for every freshly accepted stream.
type Switch struct {
	registry *msstream.Registry
	timeouts msstream.Timeouts
}

// New returns an empty Switch using msstream.Fast as its default
// negotiation timeout preset.
func New() *Switch {
	return &Switch{
		registry: msstream.NewRegistry(),
		timeouts: msstream.Fast,
	}
}

// WithNegotiationTimeout overrides the Switch's negotiation timeout
// preset (spec's §4.H.1 addition).
func (s *Switch) WithNegotiationTimeout(t msstream.Timeouts) *Switch {
	s.timeouts = t
	return s
}

// AddHandler registers handler under the exact protocol id.
func (s *Switch) AddHandler(protocolID string, handler HandlerFunc) {
	s.registry.AddHandlerWithFunc(protocolID, func(id string) bool { return id == protocolID },
		func(id string, pipe msstream.Pipe) error {
			return handler(id, pipe.(Stream))
		})
}

// AddHandlerWithFunc registers handler under protocolID, matched by a
// custom predicate over the negotiated token.
func (s *Switch) AddHandlerWithFunc(protocolID string, match func(string) bool, handler HandlerFunc) {
	s.registry.AddHandlerWithFunc(protocolID, match, func(id string, pipe msstream.Pipe) error {
		return handler(id, pipe.(Stream))
	})
}

// RemoveHandler deregisters the handler for protocolID.
func (s *Switch) RemoveHandler(protocolID string) {
	s.registry.RemoveHandler(protocolID)
}

// Protocols returns the registered protocol ids.
func (s *Switch) Protocols() []string {
	return s.registry.Protocols()
}

// Negotiate runs listener-side multistream-select over stream without
// invoking the matched handler, returning the chosen protocol id.
func (s *Switch) Negotiate(stream Stream) (string, msstream.HandlerFunc, error) {
	return msstream.Negotiate(stream, s.registry, s.timeouts)
}

// Handle negotiates stream's protocol and dispatches it to the matching
// handler. It is the listener-side entry point for every freshly
// accepted stream.
func (s *Switch) Handle(stream Stream) error {
	protocolID, handler, err := s.Negotiate(stream)
	if err != nil {
		stream.Reset()
		return err
	}
	return handler(protocolID, stream)
}
