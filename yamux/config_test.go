package yamux

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

func TestValidateRejectsShortConnectionReadTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAliveInterval = 10 * cfg.ConnectionReadTimeout
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject ConnectionReadTimeout <= 3x KeepAliveInterval")
	}
}

func TestValidateRejectsZeroWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialStreamWindowSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject zero InitialStreamWindowSize")
	}
}

func TestValidateRejectsShrunkMaxWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStreamWindowSize = cfg.InitialStreamWindowSize - 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject MaxStreamWindowSize < InitialStreamWindowSize")
	}
}

func TestValidateRejectsNonPositiveMaxStreams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStreams = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject MaxStreams <= 0")
	}
}
