package msstream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nodecore/p2pstack/errcode"
)

// ErrBadVersion is returned when the peer's multistream version token
// doesn't match ProtocolID.
var ErrBadVersion error = &codedErr{errcode.KindBadVersion, "msstream: bad version token"}

// ErrBadResponse is returned by an initiator when the peer's response to a
// candidate protocol is neither the candidate itself nor "na".
var ErrBadResponse error = &codedErr{errcode.KindBadResponse, "msstream: unexpected response"}

// ErrNoMatch is returned by selectOneOf when the peer rejects every
// candidate.
var ErrNoMatch = errors.New("msstream: no candidate protocol accepted")

// Pipe is the minimal byte-pipe the negotiator reads and writes over.
type Pipe interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
}

// Resetter is implemented by pipes (typically muxed streams) that
// distinguish a hard reset from a graceful close. When a pipe does not
// implement Resetter, the negotiator falls back to io.Closer.
type Resetter interface {
	Reset() error
}

func resetPipe(p Pipe) {
	if r, ok := p.(Resetter); ok {
		r.Reset()
		return
	}
	if c, ok := p.(io.Closer); ok {
		c.Close()
	}
}

// Timeouts bundles the negotiator's retry policy.
type Timeouts struct {
	ReadTimeout time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// Preset timeout/retry configurations (spec §4.C).
var (
	FailFast = Timeouts{ReadTimeout: 5 * time.Second, MaxRetries: 0}
	Fast     = Timeouts{ReadTimeout: 10 * time.Second, MaxRetries: 2, RetryDelay: time.Second}
	Slow     = Timeouts{ReadTimeout: 60 * time.Second, MaxRetries: 5, RetryDelay: time.Second}
)

// readTokenWithRetry reads one message, retrying up to MaxRetries times (with
// linear backoff) if the read times out and the pipe is still viable.
func readTokenWithRetry(p Pipe, t Timeouts) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= t.MaxRetries; attempt++ {
		if t.ReadTimeout > 0 {
			if err := p.SetReadDeadline(time.Now().Add(t.ReadTimeout)); err != nil {
				return "", err
			}
		}
		tok, err := ReadMessage(p)
		if err == nil {
			return tok, nil
		}
		lastErr = err
		if !isTimeout(err) || attempt == t.MaxRetries {
			break
		}
		time.Sleep(t.RetryDelay * time.Duration(attempt+1))
	}
	return "", lastErr
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// HandlerFunc handles a negotiated protocol over the pipe.
type HandlerFunc func(protocol string, pipe Pipe) error

type handlerEntry struct {
	protocol string
	match    func(string) bool
	handler  HandlerFunc
}

// Registry is the listener side's mapping of protocol IDs (and optional
// custom match predicates) to handlers. Mutations are serialized by a
// single mutex (spec §4.C thread-safety).
type Registry struct {
	mu       sync.Mutex
	handlers []handlerEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// AddHandler registers handler under the exact protocol id.
func (r *Registry) AddHandler(protocol string, handler HandlerFunc) {
	r.AddHandlerWithFunc(protocol, func(s string) bool { return s == protocol }, handler)
}

// AddHandlerWithFunc registers handler under protocol, matched by a custom
// predicate. Adding a handler with an existing protocol id replaces the
// previous entry.
func (r *Registry) AddHandlerWithFunc(protocol string, match func(string) bool, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(protocol)
	r.handlers = append(r.handlers, handlerEntry{protocol, match, handler})
}

// RemoveHandler deregisters the handler registered under protocol.
func (r *Registry) RemoveHandler(protocol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(protocol)
}

func (r *Registry) removeLocked(protocol string) {
	for i, h := range r.handlers {
		if h.protocol == protocol {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			return
		}
	}
}

// Protocols returns the registered protocol ids, in registration order.
func (r *Registry) Protocols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		out[i] = h.protocol
	}
	return out
}

// find looks up a handler by exact protocol match first, then by any
// registered custom predicate, in registration order.
func (r *Registry) find(token string) *handlerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.handlers {
		if r.handlers[i].protocol == token {
			return &r.handlers[i]
		}
	}
	for i := range r.handlers {
		if r.handlers[i].match != nil && r.handlers[i].match(token) {
			return &r.handlers[i]
		}
	}
	return nil
}

// Negotiate runs the listener side of multistream-select: it confirms the
// version, then loops offering/rejecting tokens until it finds a match or
// the pipe fails.
func Negotiate(p Pipe, reg *Registry, t Timeouts) (protocol string, handler HandlerFunc, err error) {
	tok, err := readTokenWithRetry(p, t)
	if err != nil {
		return "", nil, fmt.Errorf("msstream: reading version: %w", err)
	}
	if tok != ProtocolID {
		return "", nil, ErrBadVersion
	}
	if err := WriteMessage(p, ProtocolID); err != nil {
		return "", nil, fmt.Errorf("msstream: writing version: %w", err)
	}
	for {
		tok, err := readTokenWithRetry(p, t)
		if err != nil {
			return "", nil, fmt.Errorf("msstream: reading token: %w", err)
		}
		if h := reg.find(tok); h != nil {
			if err := WriteMessage(p, tok); err != nil {
				return "", nil, fmt.Errorf("msstream: echoing token: %w", err)
			}
			return tok, h.handler, nil
		}
		if err := WriteMessage(p, NA); err != nil {
			return "", nil, fmt.Errorf("msstream: writing na: %w", err)
		}
	}
}

// SelectOneOf runs the initiator side of multistream-select: it sends its
// own version, confirms the peer's, then offers candidates in order until
// one is accepted (echoed back) or the list is exhausted.
func SelectOneOf(p Pipe, candidates []string, t Timeouts) (string, error) {
	if err := WriteMessage(p, ProtocolID); err != nil {
		return "", fmt.Errorf("msstream: writing version: %w", err)
	}
	tok, err := readTokenWithRetry(p, t)
	if err != nil {
		return "", fmt.Errorf("msstream: reading version: %w", err)
	}
	if tok != ProtocolID {
		resetPipe(p)
		return "", ErrBadVersion
	}
	for _, candidate := range candidates {
		if err := WriteMessage(p, candidate); err != nil {
			return "", fmt.Errorf("msstream: writing candidate: %w", err)
		}
		resp, err := readTokenWithRetry(p, t)
		if err != nil {
			return "", fmt.Errorf("msstream: reading response: %w", err)
		}
		switch resp {
		case candidate:
			return candidate, nil
		case NA:
			continue
		default:
			resetPipe(p)
			return "", ErrBadResponse
		}
	}
	resetPipe(p)
	return "", ErrNoMatch
}
