package secio

import (
	"bytes"
	"crypto/ed25519"
	"io"
	"net"
	"testing"

	"golang.org/x/crypto/blake2b"
	"lukechampine.com/frand"
)

func TestHandshakeAndRoundTrip(t *testing.T) {
	aPub, aPriv, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	bPub, bPriv, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}

	c1, c2 := net.Pipe()
	type result struct {
		conn *Conn
		err  error
	}
	outCh := make(chan result, 1)
	inCh := make(chan result, 1)
	go func() {
		c, err := SecureOutbound(c1, aPriv)
		outCh <- result{c, err}
	}()
	go func() {
		c, err := SecureInbound(c2, bPriv)
		inCh <- result{c, err}
	}()

	out := <-outCh
	in := <-inCh
	if out.err != nil {
		t.Fatalf("SecureOutbound: %v", out.err)
	}
	if in.err != nil {
		t.Fatalf("SecureInbound: %v", in.err)
	}

	if !bytes.Equal(out.conn.RemotePublicKey(), bPub) {
		t.Fatalf("outbound side resolved wrong remote key")
	}
	if !bytes.Equal(in.conn.RemotePublicKey(), aPub) {
		t.Fatalf("inbound side resolved wrong remote key")
	}

	msg := frand.Bytes(9000)
	writeDone := make(chan error, 1)
	go func() {
		_, err := out.conn.Write(msg)
		writeDone <- err
	}()

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(in.conn, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("round-tripped payload mismatch")
	}
}

func TestHandshakeRejectsForgedSignature(t *testing.T) {
	_, aPriv, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	_, forgedPriv, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := SecureOutbound(c1, aPriv)
		errCh <- err
	}()

	// Forge a handshake that presents a_pub's claimed identity but signs
	// with an unrelated key, which must fail signature verification on
	// the initiator side.
	go func() {
		identityPub, eph, _, err := readHandshake(c2)
		if err != nil {
			return
		}
		sigHash := blake2b.Sum256(eph[:])
		forgedSig := ed25519.Sign(forgedPriv, sigHash[:])
		_, ourPK := generateEphemeral()
		writeHandshake(c2, identityPub, ourPK, forgedSig)
	}()

	if err := <-errCh; err == nil {
		t.Fatal("expected handshake failure from forged signature")
	}
}
