package msstream

import (
	"net"
	"testing"
	"time"
)

type testPipe struct {
	net.Conn
}

func (p testPipe) SetReadDeadline(t time.Time) error { return p.Conn.SetReadDeadline(t) }

func TestNegotiateSelectOneOf(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reg := NewRegistry()
	reg.AddHandler("/proto/c", func(string, Pipe) error { return nil })
	reg.AddHandler("/proto/d", func(string, Pipe) error { return nil })

	errCh := make(chan error, 1)
	var gotProtocol string
	go func() {
		p, _, err := Negotiate(testPipe{server}, reg, FailFast)
		gotProtocol = p
		errCh <- err
	}()

	chosen, err := SelectOneOf(testPipe{client}, []string{"/proto/x", "/proto/d", "/proto/c"}, FailFast)
	if err != nil {
		t.Fatalf("SelectOneOf: %v", err)
	}
	if chosen != "/proto/d" {
		t.Fatalf("chosen = %q, want /proto/d", chosen)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if gotProtocol != chosen {
		t.Fatalf("listener saw %q, initiator chose %q", gotProtocol, chosen)
	}
}

func TestSelectOneOfNoMatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reg := NewRegistry()
	reg.AddHandler("/only/this", func(string, Pipe) error { return nil })

	go Negotiate(testPipe{server}, reg, FailFast)

	_, err := SelectOneOf(testPipe{client}, []string{"/not/registered"}, FailFast)
	if err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestRegistryReplace(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.AddHandler("/p", func(string, Pipe) error { calls = 1; return nil })
	reg.AddHandler("/p", func(string, Pipe) error { calls = 2; return nil })
	if len(reg.Protocols()) != 1 {
		t.Fatalf("expected exactly one registered protocol, got %v", reg.Protocols())
	}
	h := reg.find("/p")
	h.handler("/p", nil)
	if calls != 2 {
		t.Fatalf("expected second registration to win, calls=%d", calls)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		done <- WriteMessage(client, ProtocolID)
	}()
	got, err := ReadMessage(server)
	if err != nil {
		t.Fatal(err)
	}
	if got != ProtocolID {
		t.Fatalf("got %q, want %q", got, ProtocolID)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
