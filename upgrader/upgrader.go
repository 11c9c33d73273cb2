// Package upgrader sequences a raw byte-pipe through security and
// stream-multiplexer negotiation to produce a usable muxed connection
// object (spec §4.F).
package upgrader

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"time"

	"github.com/nodecore/p2pstack/ma"
	"github.com/nodecore/p2pstack/msstream"
	"github.com/nodecore/p2pstack/peer"
	"github.com/nodecore/p2pstack/rcmgr"
	"github.com/nodecore/p2pstack/transport"
	"github.com/nodecore/p2pstack/yamux"
)

// ErrPeerMismatch is returned by upgradeOutbound when the security
// module authenticates a remote peer different from the one the caller
// expected to dial.
type ErrPeerMismatch struct {
	Expected, Got peer.ID
}

func (e *ErrPeerMismatch) Error() string {
	return fmt.Sprintf("upgrader: expected peer %s, got %s", e.Expected, e.Got)
}

// SecuredConn is what a security collaborator hands back: an
// authenticated, encrypted net.Conn exposing the peer it verified.
type SecuredConn interface {
	net.Conn
	RemotePeer() peer.ID
	RemotePublicKey() ed25519.PublicKey
}

// SecurityTransport is the collaborator interface §6 calls "security
// module": it turns a raw pipe into an authenticated, encrypted one.
type SecurityTransport interface {
	SecureOutbound(conn net.Conn, priv ed25519.PrivateKey) (SecuredConn, error)
	SecureInbound(conn net.Conn, priv ed25519.PrivateKey) (SecuredConn, error)
}

// SecurityProtocol pairs a multistream protocol id with the transport
// that implements it.
type SecurityProtocol struct {
	ID        string
	Transport SecurityTransport
}

// MuxerProtocol pairs a multistream protocol id with the yamux.Config a
// negotiated muxer session should run with.
type MuxerProtocol struct {
	ID     string
	Config *yamux.Config
}

// Config lists the security and muxer protocols this upgrader is
// willing to negotiate, in preference order, plus the local identity
// used to authenticate outbound/inbound security handshakes.
type Config struct {
	LocalPeer  peer.ID
	PrivateKey ed25519.PrivateKey

	Security []SecurityProtocol
	Muxers   []MuxerProtocol

	NegotiationTimeouts msstream.Timeouts
	Scope               rcmgr.Scope
}

func (c *Config) securityIDs() []string {
	ids := make([]string, len(c.Security))
	for i, s := range c.Security {
		ids[i] = s.ID
	}
	return ids
}

func (c *Config) muxerIDs() []string {
	ids := make([]string, len(c.Muxers))
	for i, m := range c.Muxers {
		ids[i] = m.ID
	}
	return ids
}

func (c *Config) findSecurity(id string) *SecurityTransport {
	for i := range c.Security {
		if c.Security[i].ID == id {
			return &c.Security[i].Transport
		}
	}
	return nil
}

func (c *Config) findMuxer(id string) *yamux.Config {
	for i := range c.Muxers {
		if c.Muxers[i].ID == id {
			return c.Muxers[i].Config
		}
	}
	return nil
}

// ConnState records which protocols a Conn ended up negotiating.
type ConnState struct {
	Security                 string
	StreamMultiplexer        string
	Transport                string
	UsedEarlyMuxerNegotiation bool
}

// Conn is the connection object the upgrader produces: an authenticated
// peer, a negotiated muxer session, and enough bookkeeping for a caller
// to open/accept streams without touching the layers below (spec §6).
type Conn struct {
	ID              string
	LocalPeer       peer.ID
	RemotePeer      peer.ID
	LocalMultiaddr  ma.Multiaddr
	RemoteMultiaddr ma.Multiaddr
	State           ConnState
	scope           rcmgr.Scope
	session         *yamux.Session
}

// NewStream opens a locally-initiated stream over the muxed session.
func (c *Conn) NewStream() (*yamux.Stream, error) { return c.session.OpenStream() }

// AcceptStream blocks for the next peer-initiated stream.
func (c *Conn) AcceptStream() (*yamux.Stream, error) { return c.session.AcceptStream() }

// Close tears down the muxed session (and, transitively, its pipe).
func (c *Conn) Close() error { return c.session.Close() }

// IsClosed reports whether the underlying session has shut down.
func (c *Conn) IsClosed() bool { return c.session.IsClosed() }

// Stat reports this connection's resource-scope usage snapshot.
func (c *Conn) Stat() rcmgr.Stat { return c.scope.Stat() }

func newConnID() string {
	var b [8]byte
	// A cheap, local, non-cryptographic id is sufficient: it only needs
	// to disambiguate this process's concurrently open connections for
	// logging, not to be globally unique or unguessable.
	now := time.Now().UnixNano()
	for i := range b {
		b[i] = byte(now >> (8 * i))
	}
	return fmt.Sprintf("%x", b)
}

// UpgradeOutbound runs the dialer side of the upgrade sequence over
// pipe: security negotiation + handshake, muxer negotiation, muxer
// instantiation. If expectedRemotePeer is non-empty, the authenticated
// remote peer must match it exactly.
func UpgradeOutbound(pipe net.Conn, expectedRemotePeer peer.ID, cfg *Config, remoteAddr ma.Multiaddr) (*Conn, error) {
	conn, err := upgrade(pipe, cfg, remoteAddr, true)
	if err != nil {
		pipe.Close()
		return nil, err
	}
	if !expectedRemotePeer.Empty() && conn.RemotePeer != expectedRemotePeer {
		conn.Close()
		return nil, &ErrPeerMismatch{expectedRemotePeer, conn.RemotePeer}
	}
	return conn, nil
}

// UpgradeInbound runs the listener side of the upgrade sequence over
// pipe.
func UpgradeInbound(pipe net.Conn, cfg *Config, remoteAddr ma.Multiaddr) (*Conn, error) {
	conn, err := upgrade(pipe, cfg, remoteAddr, false)
	if err != nil {
		pipe.Close()
		return nil, err
	}
	return conn, nil
}

func upgrade(pipe net.Conn, cfg *Config, remoteAddr ma.Multiaddr, outbound bool) (*Conn, error) {
	np := transport.NewNetPipe(pipe)

	securityID, err := negotiate(np, cfg.securityIDs(), cfg.NegotiationTimeouts, outbound)
	if err != nil {
		return nil, fmt.Errorf("upgrader: negotiating security protocol: %w", err)
	}
	securityTransport := cfg.findSecurity(securityID)
	if securityTransport == nil {
		return nil, fmt.Errorf("upgrader: no security transport registered for %q", securityID)
	}

	var secured SecuredConn
	if outbound {
		secured, err = (*securityTransport).SecureOutbound(np, cfg.PrivateKey)
	} else {
		secured, err = (*securityTransport).SecureInbound(np, cfg.PrivateKey)
	}
	if err != nil {
		return nil, fmt.Errorf("upgrader: security handshake: %w", err)
	}

	muxerID, err := negotiate(secured, cfg.muxerIDs(), cfg.NegotiationTimeouts, outbound)
	if err != nil {
		return nil, fmt.Errorf("upgrader: negotiating muxer protocol: %w", err)
	}
	muxerCfg := cfg.findMuxer(muxerID)

	scope := cfg.Scope
	if scope == nil {
		scope = rcmgr.NullScope{}
	}
	session, err := yamux.NewSession(secured, muxerCfg, outbound, scope)
	if err != nil {
		return nil, fmt.Errorf("upgrader: instantiating muxer: %w", err)
	}

	return &Conn{
		ID:              newConnID(),
		LocalPeer:       cfg.LocalPeer,
		RemotePeer:      secured.RemotePeer(),
		RemoteMultiaddr: remoteAddr,
		State: ConnState{
			Security:          securityID,
			StreamMultiplexer: muxerID,
			Transport:         remoteAddr.Transport(),
		},
		scope:   scope,
		session: session,
	}, nil
}

// negotiate runs the initiator or listener side of multistream-select
// depending on outbound, over pipe, choosing among ids.
func negotiate(pipe msstream.Pipe, ids []string, timeouts msstream.Timeouts, outbound bool) (string, error) {
	if outbound {
		return msstream.SelectOneOf(pipe, ids, timeouts)
	}
	reg := msstream.NewRegistry()
	for _, id := range ids {
		reg.AddHandler(id, func(string, msstream.Pipe) error { return nil })
	}
	chosen, _, err := msstream.Negotiate(pipe, reg, timeouts)
	return chosen, err
}
