package yamux

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Config controls the behavior of a Session. See spec §6.
type Config struct {
	// InitialStreamWindowSize is the starting per-direction flow-control
	// window for every new stream.
	InitialStreamWindowSize uint32
	// MaxStreamWindowSize is the upper bound a peer may grow a stream's
	// window to via WINDOW_UPDATE.
	MaxStreamWindowSize uint32
	// MaxFrameDataSize bounds the payload of any single DATA frame this
	// session emits.
	MaxFrameDataSize uint32
	// MaxStreams is the maximum number of live streams per session.
	MaxStreams int
	// StreamReadTimeout / StreamWriteTimeout are the default per-stream
	// deadlines applied when a stream is created, if non-zero.
	StreamReadTimeout  time.Duration
	StreamWriteTimeout time.Duration
	// KeepAliveInterval is the cadence of session-level PINGs; 0 disables
	// the keep-alive loop entirely.
	KeepAliveInterval time.Duration
	// ConnectionReadTimeout bounds how long the session will wait for a
	// keep-alive PING ACK (and, more generally, the idle-pipe tolerance).
	ConnectionReadTimeout time.Duration
	// AcceptBacklog bounds the incoming-stream queue.
	AcceptBacklog int
	// LogOutput receives session diagnostics; defaults to os.Stderr.
	LogOutput io.Writer
}

// DefaultConfig returns a Config populated with the defaults from spec §6.
func DefaultConfig() *Config {
	return &Config{
		InitialStreamWindowSize: 256 * 1024,
		MaxStreamWindowSize:     16 * 1024 * 1024,
		MaxFrameDataSize:        16 * 1024,
		MaxStreams:              1000,
		StreamReadTimeout:       30 * time.Second,
		StreamWriteTimeout:      30 * time.Second,
		KeepAliveInterval:       10 * time.Second,
		ConnectionReadTimeout:   35 * time.Second,
		AcceptBacklog:           256,
		LogOutput:               os.Stderr,
	}
}

// Validate checks the Config's invariants, in particular that
// ConnectionReadTimeout exceeds 3x KeepAliveInterval whenever keep-alive is
// enabled.
func (c *Config) Validate() error {
	if c.InitialStreamWindowSize == 0 {
		return fmt.Errorf("yamux: InitialStreamWindowSize must be > 0")
	}
	if c.MaxStreamWindowSize < c.InitialStreamWindowSize {
		return fmt.Errorf("yamux: MaxStreamWindowSize must be >= InitialStreamWindowSize")
	}
	if c.MaxFrameDataSize == 0 {
		return fmt.Errorf("yamux: MaxFrameDataSize must be > 0")
	}
	if c.MaxStreams <= 0 {
		return fmt.Errorf("yamux: MaxStreams must be > 0")
	}
	if c.KeepAliveInterval > 0 && c.ConnectionReadTimeout <= 3*c.KeepAliveInterval {
		return fmt.Errorf("yamux: ConnectionReadTimeout (%v) must exceed 3x KeepAliveInterval (%v)", c.ConnectionReadTimeout, c.KeepAliveInterval)
	}
	return nil
}

// windowThreshold is the cumulative-drained-bytes threshold (half the
// initial window) past which Stream.Read emits a WINDOW_UPDATE.
func (c *Config) windowThreshold() uint32 {
	return c.InitialStreamWindowSize / 2
}
