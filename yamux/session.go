package yamux

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodecore/p2pstack/errcode"
	"github.com/nodecore/p2pstack/frame"
	"github.com/nodecore/p2pstack/rcmgr"
)

// GOAWAY error codes carried in a GO_AWAY frame's payload (spec §4.E, §7).
const (
	GoAwayNormal        uint32 = 0
	GoAwayProtocolError uint32 = 1
	GoAwayInternalError uint32 = 2
)

// goAwayCodeFor reports the GOAWAY code a session-ending cause should be
// announced with, and whether it warrants announcing one at all: plain
// pipe failures (EOF, closed pipe, explicit local Close) don't get a
// GOAWAY of their own since either the peer is already gone or the normal
// GoAway(0) path already sent one.
func goAwayCodeFor(cause error) (uint32, bool) {
	switch errcode.Classify(cause) {
	case errcode.KindProtocolError:
		return GoAwayProtocolError, true
	case errcode.KindLimit, errcode.KindKeepAliveTimeout:
		return GoAwayInternalError, true
	default:
		return 0, false
	}
}

// conn is the minimal byte-pipe a Session multiplexes over. A plain
// net.Conn, or anything wrapping one (e.g. a secured transport pipe),
// satisfies it.
type conn interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
}

// sendReady is one frame queued for the writer loop, with an optional
// channel the caller can block on for the write's outcome.
type sendReady struct {
	frame frame.Frame
	errCh chan error
}

// Session is a muxed, flow-controlled connection carrying many logical
// Streams over one underlying byte-pipe. See spec §4.E.
type Session struct {
	config *Config
	conn   conn
	client bool
	logger *log.Logger
	scope  rcmgr.Scope

	streamsMu sync.Mutex
	streams   map[uint32]*Stream
	nextID    uint32

	acceptCh chan *Stream
	sendCh   chan sendReady

	pingMu sync.Mutex
	pingID uint64
	pingCh map[uint64]chan struct{}

	goAway int32 // atomic: 1 once a GOAWAY has been sent or received

	shutdownMu  sync.Mutex
	shutdown    bool
	shutdownErr error
	shutdownCh  chan struct{}
}

// NewSession wraps c in a muxed Session. client selects the stream-id
// parity this side allocates from (odd for the outbound/client role,
// even for the inbound/server role, per spec §4.E).
func NewSession(c conn, cfg *Config, client bool, scope rcmgr.Scope) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if scope == nil {
		scope = rcmgr.NullScope{}
	}
	logger := log.New(cfg.LogOutput, "", log.LstdFlags)

	s := &Session{
		config:     cfg,
		conn:       c,
		client:     client,
		logger:     logger,
		scope:      scope,
		streams:    make(map[uint32]*Stream),
		acceptCh:   make(chan *Stream, cfg.AcceptBacklog),
		sendCh:     make(chan sendReady, 64),
		pingCh:     make(map[uint64]chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	if client {
		s.nextID = 1
	} else {
		s.nextID = 2
	}

	go s.recvLoop()
	go s.sendLoop()
	if cfg.KeepAliveInterval > 0 {
		go s.startKeepalive()
	}
	return s, nil
}

// IsClosed reports whether the session has begun or finished shutdown.
func (s *Session) IsClosed() bool {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	return s.shutdown
}

// allocateID returns the next locally-owned stream id. Ids are never
// reused: once every id in our parity has been handed out, it fails with
// ErrIDExhausted (spec §4.E).
func (s *Session) allocateID() (uint32, error) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	start := s.nextID
	for {
		id := s.nextID
		if id == frame.SessionStreamID {
			return 0, ErrIDExhausted
		}
		if s.nextID > 0xFFFFFFFF-2 {
			s.nextID = frame.SessionStreamID // marks our parity as used up
		} else {
			s.nextID += 2
		}
		if _, used := s.streams[id]; !used {
			return id, nil
		}
		if s.nextID == start {
			return 0, ErrIDExhausted
		}
	}
}

// OpenStream allocates a new locally-initiated stream. The SYN flag is
// carried lazily on the stream's first outbound frame rather than sent
// eagerly here (grounded in the teacher's Stream.Write established-flag
// pattern), so OpenStream never blocks on the network.
func (s *Session) OpenStream() (*Stream, error) {
	if atomic.LoadInt32(&s.goAway) == 1 {
		return nil, ErrGoAway
	}
	if s.IsClosed() {
		return nil, ErrSessionClosed
	}

	s.streamsMu.Lock()
	if len(s.streams) >= s.config.MaxStreams {
		s.streamsMu.Unlock()
		return nil, ErrLimit
	}
	s.streamsMu.Unlock()

	id, err := s.allocateID()
	if err != nil {
		return nil, err
	}

	span, err := s.scope.BeginSpan()
	if err != nil {
		return nil, err
	}
	if err := span.ReserveMemory(int(s.config.InitialStreamWindowSize), 0); err != nil {
		span.Done()
		return nil, err
	}
	span.AddStream(false)

	st := newStream(s, id, stateInit, true, span)
	s.streamsMu.Lock()
	s.streams[id] = st
	s.streamsMu.Unlock()

	return st, nil
}

// AcceptStream blocks until a peer-initiated stream arrives or the session
// closes. A received GOAWAY alone does not unblock it.
func (s *Session) AcceptStream() (*Stream, error) {
	select {
	case st, ok := <-s.acceptCh:
		if !ok {
			return nil, s.shutdownError()
		}
		return st, nil
	case <-s.shutdownCh:
		return nil, s.shutdownError()
	}
}

func (s *Session) shutdownError() error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.shutdownErr != nil {
		return s.shutdownErr
	}
	return ErrSessionClosed
}

// incomingStreamLocked materializes a Stream for a SYN we just observed,
// rejecting duplicate or wrong-parity ids as protocol errors. Caller
// must hold streamsMu.
func (s *Session) incomingStreamLocked(id uint32) (*Stream, error) {
	if id == frame.SessionStreamID {
		return nil, ErrProtocolError
	}
	clientOwned := id%2 == 1
	if clientOwned == s.client {
		// A peer must only open streams whose parity belongs to *it*,
		// never ours.
		return nil, ErrProtocolError
	}
	if _, exists := s.streams[id]; exists {
		return nil, ErrProtocolError
	}
	if len(s.streams) >= s.config.MaxStreams {
		return nil, ErrLimit
	}

	span, err := s.scope.BeginSpan()
	if err != nil {
		return nil, err
	}
	if err := span.ReserveMemory(int(s.config.InitialStreamWindowSize), 0); err != nil {
		span.Done()
		return nil, err
	}
	span.AddStream(true)

	st := newStream(s, id, stateSYNReceived, false, span)
	s.streams[id] = st
	return st, nil
}

func (s *Session) removeStream(id uint32) {
	s.streamsMu.Lock()
	st, ok := s.streams[id]
	if ok {
		delete(s.streams, id)
	}
	s.streamsMu.Unlock()
	if ok && st.span != nil {
		st.span.RemoveStream(!st.local)
		st.span.Done()
	}
}

// writeFrame hands f to the writer loop and waits for it to be flushed
// (or for the session to die first).
func (s *Session) writeFrame(f frame.Frame) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	errCh := make(chan error, 1)
	select {
	case s.sendCh <- sendReady{f, errCh}:
	case <-s.shutdownCh:
		return s.shutdownError()
	}
	select {
	case err := <-errCh:
		return err
	case <-s.shutdownCh:
		return s.shutdownError()
	}
}

// sendLoop is the single writer goroutine serializing every outbound
// frame onto the underlying pipe (spec §4.E single-writer invariant).
func (s *Session) sendLoop() {
	for {
		select {
		case ready := <-s.sendCh:
			buf, err := frame.Encode(ready.frame, int(s.config.MaxFrameDataSize))
			if err == nil {
				_, err = s.conn.Write(buf)
			}
			if ready.errCh != nil {
				ready.errCh <- err
			}
			if err != nil {
				s.exit(err)
				return
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// recvLoop is the single reader goroutine: it decodes frames and
// dispatches them by type (spec §4.E handler table).
func (s *Session) recvLoop() {
	for {
		f, err := frame.Decode(s.conn)
		if err != nil {
			if isClosedPipeError(err) {
				s.exit(ErrSessionClosed)
			} else {
				s.exit(err)
			}
			return
		}
		if err := s.handleFrame(f); err != nil {
			s.exit(err)
			return
		}
	}
}

func (s *Session) handleFrame(f frame.Frame) error {
	switch f.Header.Type {
	case frame.TypeData:
		return s.handleDataFrame(f)
	case frame.TypeWindowUpdate:
		return s.handleWindowUpdateFrame(f)
	case frame.TypePing:
		return s.handlePing(f)
	case frame.TypeGoAway:
		return s.handleGoAway(f)
	default:
		return ErrProtocolError
	}
}

// lookupOrCreate finds the stream targeted by a data/window-update
// frame, creating it if the SYN flag marks the opening of a new
// peer-initiated stream.
func (s *Session) lookupOrCreate(id uint32, syn bool) (*Stream, error) {
	s.streamsMu.Lock()
	st, ok := s.streams[id]
	if ok {
		s.streamsMu.Unlock()
		return st, nil
	}
	if !syn {
		s.streamsMu.Unlock()
		// Frame for an id we don't recognize and that isn't opening a new
		// stream: most likely a stream we've already torn down locally.
		// Not a protocol violation; just nothing to deliver to.
		return nil, nil
	}
	st, err := s.incomingStreamLocked(id)
	s.streamsMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case s.acceptCh <- st:
	default:
		s.removeStream(id)
		return nil, s.writeFrame(frame.NewData(id, frame.FlagRST, nil))
	}
	return st, nil
}

func (s *Session) handleDataFrame(f frame.Frame) error {
	st, err := s.lookupOrCreate(f.Header.StreamID, f.Header.Flags.Has(frame.FlagSYN))
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	return st.handleData(f.Header.Flags, f.Payload)
}

func (s *Session) handleWindowUpdateFrame(f frame.Frame) error {
	st, err := s.lookupOrCreate(f.Header.StreamID, f.Header.Flags.Has(frame.FlagSYN))
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	delta, err := frame.WindowUpdateDelta(f.Payload)
	if err != nil {
		return err
	}
	return st.incrSendWindow(f.Header.Flags, delta)
}

func (s *Session) handlePing(f frame.Frame) error {
	id, err := frame.PingID(f.Payload)
	if err != nil {
		return err
	}
	if f.Header.Flags.Has(frame.FlagACK) {
		s.pingMu.Lock()
		ch, ok := s.pingCh[id]
		if ok {
			delete(s.pingCh, id)
		}
		s.pingMu.Unlock()
		if ok {
			close(ch)
		}
		return nil
	}
	return s.writeFrame(frame.NewPing(id, true))
}

func (s *Session) handleGoAway(f frame.Frame) error {
	code, err := frame.GoAwayCode(f.Payload)
	if err != nil {
		return err
	}
	atomic.StoreInt32(&s.goAway, 1)
	s.logger.Printf("yamux: received GOAWAY (code=%d)", code)
	return nil
}

// Ping sends a session-level PING and blocks until the matching ACK
// arrives, the session dies, or timeout elapses.
func (s *Session) Ping(timeout time.Duration) (time.Duration, error) {
	s.pingMu.Lock()
	id := s.pingID
	s.pingID++
	ch := make(chan struct{})
	s.pingCh[id] = ch
	s.pingMu.Unlock()

	start := time.Now()
	if err := s.writeFrame(frame.NewPing(id, false)); err != nil {
		return 0, err
	}

	select {
	case <-ch:
		return time.Since(start), nil
	case <-time.After(timeout):
		s.pingMu.Lock()
		delete(s.pingCh, id)
		s.pingMu.Unlock()
		return 0, ErrDeadline
	case <-s.shutdownCh:
		return 0, s.shutdownError()
	}
}

// startKeepalive periodically pings the peer, tearing the session down
// with ErrKeepAliveTimeout if a PING ACK is ever missed.
func (s *Session) startKeepalive() {
	ticker := time.NewTicker(s.config.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Ping(s.config.ConnectionReadTimeout); err != nil {
				s.exit(ErrKeepAliveTimeout)
				return
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// GoAway sends a GOAWAY to the peer. Streams already open may continue
// to completion; only new OpenStream calls are refused locally. Incoming
// SYNs are still accepted after a GOAWAY (spec §4.E).
func (s *Session) GoAway(code uint32) error {
	atomic.StoreInt32(&s.goAway, 1)
	return s.writeFrame(frame.NewGoAway(code))
}

// Close sends GO_AWAY(0) announcing the local side is going away, then
// tears the session down: every live stream is reset and the underlying
// pipe is released (spec §4.E). Safe to call more than once.
func (s *Session) Close() error {
	if atomic.LoadInt32(&s.goAway) == 0 {
		_ = s.GoAway(GoAwayNormal)
	}
	return s.exit(ErrSessionClosed)
}

func (s *Session) exit(cause error) error {
	s.shutdownMu.Lock()
	if s.shutdown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.shutdown = true
	s.shutdownErr = cause
	s.shutdownMu.Unlock()
	close(s.shutdownCh)

	// Best-effort GOAWAY for protocol-level faults (window overflow, bad
	// stream id, unknown frame type, ...) so the peer learns why the
	// session died instead of just seeing the pipe drop (spec §4.E, §7).
	// Written directly rather than via writeFrame/sendCh: exit can be
	// called from inside sendLoop or recvLoop itself, and routing through
	// the channel those loops drain would deadlock.
	if code, ok := goAwayCodeFor(cause); ok && atomic.CompareAndSwapInt32(&s.goAway, 0, 1) {
		if buf, err := frame.Encode(frame.NewGoAway(code), int(s.config.MaxFrameDataSize)); err == nil {
			_, _ = s.conn.Write(buf)
		}
	}

	s.streamsMu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[uint32]*Stream)
	s.streamsMu.Unlock()
	for _, st := range streams {
		st.forceClose(cause)
	}

	close(s.acceptCh)
	err := s.conn.Close()
	if s.scope != nil {
		s.scope.Done()
	}
	if err != nil {
		return fmt.Errorf("yamux: closing underlying pipe: %w", err)
	}
	return nil
}

// NumStreams reports the number of live streams (for diagnostics/tests).
func (s *Session) NumStreams() int {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	return len(s.streams)
}
