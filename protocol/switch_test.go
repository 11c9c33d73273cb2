package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/nodecore/p2pstack/msstream"
)

type testStream struct {
	net.Conn
	reset bool
}

func (s *testStream) SetReadDeadline(t time.Time) error { return s.Conn.SetReadDeadline(t) }
func (s *testStream) Reset() error {
	s.reset = true
	return s.Conn.Close()
}

func TestSwitchHandleDispatchesMatchedProtocol(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sw := New().WithNegotiationTimeout(msstream.FailFast)
	called := make(chan string, 1)
	sw.AddHandler("/echo/1.0.0", func(id string, st Stream) error {
		called <- id
		return nil
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- sw.Handle(&testStream{Conn: server})
	}()

	chosen, err := msstream.SelectOneOf(client, []string{"/echo/1.0.0"}, msstream.FailFast)
	if err != nil {
		t.Fatalf("SelectOneOf: %v", err)
	}
	if chosen != "/echo/1.0.0" {
		t.Fatalf("chosen = %q", chosen)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := <-called; got != "/echo/1.0.0" {
		t.Fatalf("handler saw %q", got)
	}
}

func TestSwitchHandleResetsOnNoMatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sw := New().WithNegotiationTimeout(msstream.FailFast)
	sw.AddHandler("/only/1.0.0", func(string, Stream) error { return nil })

	st := &testStream{Conn: server}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- sw.Handle(st)
	}()

	_, err := msstream.SelectOneOf(client, []string{"/nope/1.0.0"}, msstream.FailFast)
	if err != msstream.ErrNoMatch {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	if err := <-serverErr; err == nil {
		t.Fatal("expected Handle to return an error")
	}
	if !st.reset {
		t.Fatal("expected stream to be reset on no-match")
	}
}
