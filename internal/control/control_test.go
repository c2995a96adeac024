package control

import (
	"bytes"
	"encoding/json"
	"log"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// bindClientSocket binds a unix datagram socket at dir/client.sock that
// the caller can receive replies on and returns its fd and bound path.
func bindClientSocket(t *testing.T, dir string) (fd int, path string) {
	t.Helper()
	path = filepath.Join(dir, "client.sock")
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd, path
}

func TestLoopRunRespondsToPing(t *testing.T) {
	dir := t.TempDir()
	l, _, _, _ := testLoop(t)

	controlPath := filepath.Join(dir, "control.sock")
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: controlPath}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	tv := unix.Timeval{Sec: 0, Usec: 200000}
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	l.fd = fd
	l.path = controlPath
	defer l.Close()

	clientFD, clientPath := bindClientSocket(t, dir)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		l.Run(stop)
		close(done)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	if err := unix.Sendto(clientFD, []byte("ping"), 0, &unix.SockaddrUnix{Name: controlPath}); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	buf := make([]byte, 64)
	tv = unix.Timeval{Sec: 1, Usec: 0}
	unix.SetsockoptTimeval(clientFD, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	n, _, err := unix.Recvfrom(clientFD, buf, 0)
	if err != nil {
		t.Fatalf("recvfrom: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("expected pong, got %q", buf[:n])
	}
	_ = clientPath
}

func TestLogPeriodicStatsRespectsInterval(t *testing.T) {
	l, _, _, _ := testLoop(t)

	var out bytes.Buffer
	l.logger = log.New(&out, "", 0)

	now := time.Now()
	l.startedAt = now.Add(-90 * time.Second)
	l.lastStatsLog = now.Add(-30 * time.Second)

	l.logPeriodicStats()
	if out.Len() != 0 {
		t.Fatalf("expected no log before the interval elapses, got %q", out.String())
	}

	l.lastStatsLog = now.Add(-statsLogInterval - time.Second)
	l.logPeriodicStats()
	if out.Len() == 0 {
		t.Fatal("expected a log once the interval has elapsed")
	}

	idx := bytes.IndexByte(out.Bytes(), '{')
	if idx < 0 {
		t.Fatalf("expected a JSON payload in the log line, got %q", out.String())
	}
	var payload struct {
		Runtime *int64 `json:"runtime"`
	}
	if err := json.Unmarshal(out.Bytes()[idx:], &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Runtime == nil || *payload.Runtime < 89 {
		t.Fatalf("expected a populated runtime of at least ~90s, got %v", payload.Runtime)
	}
}
