package yamux

import (
	"bytes"
	"sync"
	"time"

	"github.com/nodecore/p2pstack/frame"
	"github.com/nodecore/p2pstack/rcmgr"
)

// streamState is the per-stream state machine of spec §3.
type streamState int

const (
	stateInit streamState = iota
	stateSYNSent
	stateSYNReceived
	stateOpen
	stateLocalClose
	stateRemoteClose
	stateClosed
	stateReset
)

func (s streamState) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateSYNSent:
		return "SYN_SENT"
	case stateSYNReceived:
		return "SYN_RECEIVED"
	case stateOpen:
		return "OPEN"
	case stateLocalClose:
		return "LOCAL_CLOSE"
	case stateRemoteClose:
		return "REMOTE_CLOSE"
	case stateClosed:
		return "CLOSED"
	case stateReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// Stream is a logical, flow-controlled, ordered byte-channel multiplexed
// over a Session. See spec §4.D.
type Stream struct {
	id      uint32
	session *Session
	local   bool // true if we opened this stream (vs. accepted it)
	span    rcmgr.Scope

	stateMu sync.Mutex
	state   streamState
	err     error // sticky terminal error once set

	sendMu        sync.Mutex
	sendCond      *sync.Cond
	sendWindow    uint32
	established   bool // has our first outbound frame (carrying SYN/ACK) gone out?
	writeDeadline time.Time
	writeClosed   bool

	recvMu       sync.Mutex
	recvCond     *sync.Cond
	recvBuf      bytes.Buffer
	recvWindow   uint32 // remaining budget we've granted the peer
	remoteFIN    bool   // peer half-closed its write side
	readClosed   bool   // we've stopped accepting inbound DATA
	readDeadline time.Time
}

func newStream(session *Session, id uint32, state streamState, local bool, span rcmgr.Scope) *Stream {
	s := &Stream{
		id:         id,
		session:    session,
		local:      local,
		span:       span,
		state:      state,
		sendWindow: session.config.InitialStreamWindowSize,
		recvWindow: session.config.InitialStreamWindowSize,
	}
	s.sendCond = sync.NewCond(&s.sendMu)
	s.recvCond = sync.NewCond(&s.recvMu)
	return s
}

// ID returns the stream's id.
func (s *Stream) ID() uint32 { return s.id }

// sendFlags computes the flags our next outbound frame should carry based
// on whether this is the first frame we've sent, and advances established.
// Must be called with neither sendMu nor stateMu held; it acquires both.
func (s *Stream) sendFlags() frame.Flags {
	s.sendMu.Lock()
	first := !s.established
	s.established = true
	s.sendMu.Unlock()
	if !first {
		return 0
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.local {
		if s.state == stateInit {
			s.state = stateSYNSent
		}
		return frame.FlagSYN
	}
	if s.state == stateSYNReceived {
		s.state = stateOpen
	}
	return frame.FlagACK
}

// Write enqueues bytes for delivery, blocking until all of p has been
// framed onto the session's writer within the sliding send window.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if err := s.checkWritable(); err != nil {
			return written, err
		}
		flags := s.sendFlags()

		s.sendMu.Lock()
		for s.sendWindow == 0 {
			if err := s.stickyErr(); err != nil {
				s.sendMu.Unlock()
				return written, err
			}
			if deadlineExpired(s.writeDeadline) {
				s.sendMu.Unlock()
				return written, ErrDeadline
			}
			s.waitWithDeadline(s.sendCond, s.writeDeadline)
		}
		if err := s.stickyErr(); err != nil {
			s.sendMu.Unlock()
			return written, err
		}
		chunk := min3(uint32(len(p)-written), s.sendWindow, s.session.config.MaxFrameDataSize)
		s.sendWindow -= chunk
		s.sendMu.Unlock()

		f := frame.NewData(s.id, flags, p[written:written+int(chunk)])
		if err := s.session.writeFrame(f); err != nil {
			return written, err
		}
		written += int(chunk)
	}
	return written, nil
}

func min3(a, b, c uint32) uint32 {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func (s *Stream) checkWritable() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch s.state {
	case stateLocalClose, stateClosed:
		return ErrStreamClosed
	case stateReset:
		return ErrReset
	}
	if s.writeClosed {
		return ErrStreamClosed
	}
	return nil
}

// stickyErr returns the stream's terminal error, if any has been set.
func (s *Stream) stickyErr() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.err
}

// Read returns up to len(p) bytes from the receive buffer, blocking until
// at least one byte is available or the read side is closed (0, nil EOF).
func (s *Stream) Read(p []byte) (int, error) {
	s.recvMu.Lock()
	for s.recvBuf.Len() == 0 {
		if err := s.stickyErr(); err != nil {
			s.recvMu.Unlock()
			return 0, err
		}
		if s.remoteFIN {
			s.recvMu.Unlock()
			return 0, nil
		}
		if deadlineExpired(s.readDeadline) {
			s.recvMu.Unlock()
			return 0, ErrDeadline
		}
		s.waitWithDeadline(s.recvCond, s.readDeadline)
	}
	n, _ := s.recvBuf.Read(p)
	s.recvMu.Unlock()

	if err := s.maybeSendWindowUpdate(0); err != nil {
		return n, err
	}
	return n, nil
}

// maybeSendWindowUpdate grants the peer additional send budget once the
// gap between its maximum allowed window and what we've already granted
// exceeds the configured threshold (spec §4.D reader algorithm), or
// whenever flags must be flushed immediately (e.g. the ACK for a newly
// accepted stream).
func (s *Stream) maybeSendWindowUpdate(flags frame.Flags) error {
	s.recvMu.Lock()
	max := s.session.config.MaxStreamWindowSize
	bufLen := uint32(s.recvBuf.Len())
	delta := max - bufLen - s.recvWindow
	if delta < s.session.config.windowThreshold() && flags == 0 {
		s.recvMu.Unlock()
		return nil
	}
	s.recvWindow += delta
	s.recvMu.Unlock()

	if delta == 0 && flags == 0 {
		return nil
	}
	return s.session.writeFrame(frame.NewWindowUpdate(s.id, flags, delta))
}

// CloseWrite sends a zero-length DATA frame with FIN. Further Write calls
// fail with ErrStreamClosed.
func (s *Stream) CloseWrite() error {
	s.stateMu.Lock()
	switch s.state {
	case stateLocalClose, stateClosed, stateReset:
		s.stateMu.Unlock()
		return nil
	}
	s.stateMu.Unlock()

	flags := s.sendFlags() | frame.FlagFIN
	if err := s.session.writeFrame(frame.NewData(s.id, flags, nil)); err != nil {
		return err
	}

	s.stateMu.Lock()
	s.writeClosed = true
	closeNow := false
	switch s.state {
	case stateRemoteClose:
		s.state = stateClosed
		closeNow = true
	case stateInit, stateSYNSent, stateSYNReceived, stateOpen:
		s.state = stateLocalClose
	}
	s.stateMu.Unlock()

	if closeNow {
		s.session.removeStream(s.id)
	}
	return nil
}

// CloseRead stops accepting inbound DATA for this stream; any further DATA
// is discarded, but a WINDOW_UPDATE equal to the discarded size is still
// granted so the peer is never blocked on a stream nobody reads anymore.
func (s *Stream) CloseRead() error {
	s.recvMu.Lock()
	s.readClosed = true
	s.recvBuf.Reset()
	s.recvCond.Broadcast()
	s.recvMu.Unlock()
	return nil
}

// Close performs both CloseWrite and CloseRead, then removes the stream
// from the session table once both sides are closed.
func (s *Stream) Close() error {
	s.CloseRead()
	return s.CloseWrite()
}

// Reset sends an RST and transitions directly to RESET, unblocking any
// pending read/write with ErrReset.
func (s *Stream) Reset() error {
	s.stateMu.Lock()
	if s.state == stateReset || s.state == stateClosed {
		s.stateMu.Unlock()
		return nil
	}
	s.state = stateReset
	s.err = ErrReset
	s.stateMu.Unlock()

	s.recvMu.Lock()
	s.recvBuf.Reset()
	s.recvCond.Broadcast()
	s.recvMu.Unlock()
	s.sendMu.Lock()
	s.sendCond.Broadcast()
	s.sendMu.Unlock()

	s.session.removeStream(s.id)
	return s.session.writeFrame(frame.NewData(s.id, frame.FlagRST, nil))
}

// SetDeadline arms both read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	s.SetReadDeadline(t)
	s.SetWriteDeadline(t)
	return nil
}

// SetReadDeadline arms the read-side deadline.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.recvMu.Lock()
	s.readDeadline = t
	s.recvCond.Broadcast()
	s.recvMu.Unlock()
	return nil
}

// SetWriteDeadline arms the write-side deadline.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.sendMu.Lock()
	s.writeDeadline = t
	s.sendCond.Broadcast()
	s.sendMu.Unlock()
	return nil
}

func deadlineExpired(t time.Time) bool { return !t.IsZero() && !time.Now().Before(t) }

// waitWithDeadline waits on cond, which is rooted at the caller's already
// held mutex, until woken or the deadline passes. A timer nudges the cond
// when the deadline expires so a blocked waiter doesn't sleep past it.
func (s *Stream) waitWithDeadline(cond *sync.Cond, deadline time.Time) {
	if deadline.IsZero() {
		cond.Wait()
		return
	}
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, cond.Broadcast)
	defer timer.Stop()
	cond.Wait()
}

// --- incoming-frame handling, invoked by the session's reader loop ---

// handleData processes an inbound DATA frame's flags and payload.
func (s *Stream) handleData(flags frame.Flags, payload []byte) error {
	if err := s.processFlags(flags); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	s.recvMu.Lock()
	if uint32(len(payload)) > s.recvWindow {
		s.recvMu.Unlock()
		return ErrRecvWindowExceeded
	}
	if s.readClosed {
		// Discard immediately, but return the budget right away so a
		// closed-but-unread stream never head-of-line-blocks the peer.
		s.recvMu.Unlock()
		return s.session.writeFrame(frame.NewWindowUpdate(s.id, 0, uint32(len(payload))))
	}
	s.recvWindow -= uint32(len(payload))
	s.recvBuf.Write(payload)
	s.recvCond.Broadcast()
	s.recvMu.Unlock()
	return nil
}

// incrSendWindow processes an inbound WINDOW_UPDATE's flags and delta.
func (s *Stream) incrSendWindow(flags frame.Flags, delta uint32) error {
	if err := s.processFlags(flags); err != nil {
		return err
	}
	s.sendMu.Lock()
	s.sendWindow += delta
	s.sendCond.Broadcast()
	s.sendMu.Unlock()
	return nil
}

// processFlags updates the stream's state machine in response to
// ACK/FIN/RST flags observed on any inbound frame.
func (s *Stream) processFlags(flags frame.Flags) error {
	s.stateMu.Lock()
	removeAfter := false
	defer func() {
		s.stateMu.Unlock()
		if removeAfter {
			s.session.removeStream(s.id)
		}
	}()

	if flags.Has(frame.FlagRST) {
		s.state = stateReset
		s.err = ErrReset
		removeAfter = true
		s.wakeAll()
		return nil
	}
	if flags.Has(frame.FlagSYN) && s.local {
		// We opened this stream locally; the peer should never echo SYN
		// back to us (spec §9 open question: treat as a protocol error).
		return ErrProtocolError
	}
	if flags.Has(frame.FlagACK) {
		if s.state == stateSYNSent {
			s.state = stateOpen
		}
	}
	if flags.Has(frame.FlagFIN) {
		s.recvMu.Lock()
		s.remoteFIN = true
		s.recvCond.Broadcast()
		s.recvMu.Unlock()
		switch s.state {
		case stateInit, stateSYNSent, stateSYNReceived, stateOpen:
			s.state = stateRemoteClose
		case stateLocalClose:
			s.state = stateClosed
			removeAfter = true
		}
	}
	return nil
}

func (s *Stream) wakeAll() {
	s.recvMu.Lock()
	s.recvCond.Broadcast()
	s.recvMu.Unlock()
	s.sendMu.Lock()
	s.sendCond.Broadcast()
	s.sendMu.Unlock()
}

// forceClose is invoked when the session tears down: every live stream is
// reset locally without attempting to send anything on a dead pipe.
func (s *Stream) forceClose(err error) {
	s.stateMu.Lock()
	if s.state != stateClosed && s.state != stateReset {
		s.state = stateReset
		if s.err == nil {
			s.err = err
		}
	}
	s.stateMu.Unlock()
	s.wakeAll()
	if s.span != nil {
		s.span.RemoveStream(!s.local)
		s.span.Done()
	}
}

// State reports the stream's current state (for tests/diagnostics).
func (s *Stream) State() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state.String()
}
