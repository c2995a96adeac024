package connector

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratumd/connectord/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{
			Listeners:            []config.Listener{{Host: "127.0.0.1", Port: 0}},
			Backlog:              128,
			BindRetries:          1,
			BindRetryWaitSeconds: 1,
		},
		Peer: config.PeerConfig{
			Transport: "unixgram",
			// Empty peer sockets: UnixgramClient treats that as a no-op
			// sink, avoiding a dependency on a live stratifier/generator
			// process for this test.
		},
		Control: config.ControlConfig{
			SocketPath: filepath.Join(dir, "control.sock"),
		},
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	logger := log.New(io.Discard, "", 0)

	c, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.reg == nil || c.snd == nil || c.acc == nil || c.ctl == nil || c.prc == nil {
		t.Fatal("expected every core component to be non-nil")
	}
	if c.dsh != nil {
		t.Fatal("expected no dashboard when admin.listen is empty")
	}

	c.Start()
	time.Sleep(20 * time.Millisecond)
	c.Shutdown()
}
