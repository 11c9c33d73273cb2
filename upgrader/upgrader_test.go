package upgrader

import (
	"crypto/ed25519"
	"net"
	"testing"

	"github.com/nodecore/p2pstack/ma"
	"github.com/nodecore/p2pstack/msstream"
	"github.com/nodecore/p2pstack/peer"
	"github.com/nodecore/p2pstack/secio"
	"github.com/nodecore/p2pstack/yamux"
)

type secioAdapter struct{}

func (secioAdapter) SecureOutbound(conn net.Conn, priv ed25519.PrivateKey) (SecuredConn, error) {
	return secio.SecureOutbound(conn, priv)
}

func (secioAdapter) SecureInbound(conn net.Conn, priv ed25519.PrivateKey) (SecuredConn, error) {
	return secio.SecureInbound(conn, priv)
}

func testUpgraderConfig(localPeer peer.ID, priv ed25519.PrivateKey) *Config {
	return &Config{
		LocalPeer:           localPeer,
		PrivateKey:          priv,
		Security:            []SecurityProtocol{{ID: secio.ProtocolID, Transport: secioAdapter{}}},
		Muxers:              []MuxerProtocol{{ID: "/yamux/1.0.0", Config: yamux.DefaultConfig()}},
		NegotiationTimeouts: msstream.FailFast,
	}
}

func TestUpgradeOutboundInbound(t *testing.T) {
	_, aPriv, err := secio.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	_, bPriv, err := secio.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}

	c1, c2 := net.Pipe()
	outCfg := testUpgraderConfig(peer.ID(""), aPriv)
	inCfg := testUpgraderConfig(peer.ID(""), bPriv)
	addr := ma.Parse("/ip4/127.0.0.1/tcp/4001")

	type out struct {
		conn *Conn
		err  error
	}
	outCh := make(chan out, 1)
	inCh := make(chan out, 1)
	go func() {
		c, err := UpgradeOutbound(c1, "", outCfg, addr)
		outCh <- out{c, err}
	}()
	go func() {
		c, err := UpgradeInbound(c2, inCfg, addr)
		inCh <- out{c, err}
	}()

	o := <-outCh
	i := <-inCh
	if o.err != nil {
		t.Fatalf("UpgradeOutbound: %v", o.err)
	}
	if i.err != nil {
		t.Fatalf("UpgradeInbound: %v", i.err)
	}
	defer o.conn.Close()
	defer i.conn.Close()

	if o.conn.State.StreamMultiplexer != "/yamux/1.0.0" {
		t.Fatalf("unexpected muxer id %q", o.conn.State.StreamMultiplexer)
	}

	acceptErr := make(chan error, 1)
	go func() {
		st, err := i.conn.AcceptStream()
		if err != nil {
			acceptErr <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := readFull(st, buf); err != nil {
			acceptErr <- err
			return
		}
		_, err = st.Write(buf)
		acceptErr <- err
	}()

	st, err := o.conn.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if _, err := st.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 5)
	if _, err := readFull(st, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	if err := <-acceptErr; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
