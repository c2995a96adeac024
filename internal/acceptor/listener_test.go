package acceptor

import (
	"io"
	"log"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stratumd/connectord/internal/config"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestBindListenersBindsEphemeralPort(t *testing.T) {
	cfg := &config.ServerConfig{
		Listeners: []config.Listener{{Host: "127.0.0.1", Port: 0}},
		Backlog:   16,
	}

	sockets, err := BindListeners(cfg, discardLogger())
	if err != nil {
		t.Fatalf("BindListeners: %v", err)
	}
	defer func() {
		for _, s := range sockets {
			unix.Close(s.FD)
		}
	}()

	if len(sockets) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(sockets))
	}
	if sockets[0].FD < 0 {
		t.Fatalf("expected a valid fd, got %d", sockets[0].FD)
	}

	conn, err := net.FileListener(os.NewFile(uintptr(sockets[0].FD), "listener"))
	if err != nil {
		t.Fatalf("FileListener: %v", err)
	}
	defer conn.Close()
}

func TestBindListenersRebindsOnMismatchedInheritedFD(t *testing.T) {
	cfg := &config.ServerConfig{
		Listeners:  []config.Listener{{Host: "127.0.0.1", Port: 0}},
		Backlog:    16,
		InheritFDs: []int{-1},
	}

	sockets, err := BindListeners(cfg, discardLogger())
	if err != nil {
		t.Fatalf("BindListeners: %v", err)
	}
	defer func() {
		for _, s := range sockets {
			unix.Close(s.FD)
		}
	}()

	if len(sockets) != 1 || sockets[0].FD < 0 {
		t.Fatalf("expected a freshly rebound listener, got %+v", sockets)
	}
}

func TestInheritedAddrMatches(t *testing.T) {
	cfg := &config.ServerConfig{
		Listeners: []config.Listener{{Host: "127.0.0.1", Port: 0}},
		Backlog:   16,
	}
	sockets, err := BindListeners(cfg, discardLogger())
	if err != nil {
		t.Fatalf("BindListeners: %v", err)
	}
	defer unix.Close(sockets[0].FD)

	sa, err := unix.Getsockname(sockets[0].FD)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	bound, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("expected an IPv4 sockaddr, got %T", sa)
	}

	want := config.Listener{Host: "127.0.0.1", Port: bound.Port}
	if _, matches := inheritedAddrMatches(sockets[0].FD, want); !matches {
		t.Fatal("expected exact host:port match to report true")
	}

	wantWrongPort := config.Listener{Host: "127.0.0.1", Port: bound.Port + 1}
	if _, matches := inheritedAddrMatches(sockets[0].FD, wantWrongPort); matches {
		t.Fatal("expected mismatched port to report false")
	}

	wantWildcard := config.Listener{Host: "0.0.0.0", Port: bound.Port}
	if _, matches := inheritedAddrMatches(sockets[0].FD, wantWildcard); !matches {
		t.Fatal("expected wildcard host to subsume a bound loopback address")
	}
}

func TestBindListenersExhaustsRetriesOnPersistentFailure(t *testing.T) {
	// Bind the same fixed port twice without SO_REUSEPORT semantics by
	// holding the first listener open and pointing a second config with
	// a single bind attempt at the same port; the second bind must fail
	// fast.
	held := &config.ServerConfig{
		Listeners: []config.Listener{{Host: "127.0.0.1", Port: 0}},
		Backlog:   16,
	}
	sockets, err := BindListeners(held, discardLogger())
	if err != nil {
		t.Fatalf("BindListeners: %v", err)
	}
	defer unix.Close(sockets[0].FD)

	sa, err := unix.Getsockname(sockets[0].FD)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	bound := sa.(*unix.SockaddrInet4)

	conflicting := &config.ServerConfig{
		Listeners:            []config.Listener{{Host: "127.0.0.1", Port: bound.Port}},
		Backlog:              16,
		BindRetries:          1,
		BindRetryWaitSeconds: 1,
	}
	if _, err := BindListeners(conflicting, discardLogger()); err == nil {
		t.Fatal("expected binding a port that is already listening to fail even with SO_REUSEADDR")
	}
}
