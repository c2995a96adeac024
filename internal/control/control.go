// Package control implements the connector's command endpoint: a local
// datagram socket accepting one command per datagram, dispatching to the
// registry, sender and acceptor, and replying on the same socket where
// applicable (spec.md §4.4, §5).
package control

import (
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stratumd/connectord/internal/acceptor"
	"github.com/stratumd/connectord/internal/auth"
	"github.com/stratumd/connectord/internal/levellog"
	"github.com/stratumd/connectord/internal/metrics"
	"github.com/stratumd/connectord/internal/peer"
	"github.com/stratumd/connectord/internal/registry"
	"github.com/stratumd/connectord/internal/sender"
)

// maxDatagram bounds one control message, generous relative to the
// client wire format's 1024-byte line cap (spec.md §6) since control
// payloads may carry a bearer token prefix (SPEC_FULL.md "Control-command
// authorization").
const maxDatagram = 4096

// statsLogInterval is the minimum spacing between periodic passthrough
// stats logs (spec.md §6: "runtime is present only in periodic
// passthrough logs, emitted once per ≥ 60 s").
const statsLogInterval = 60 * time.Second

// Loop owns the control socket and blocks in Recvfrom until a command
// arrives (spec.md §5 "Control: blocks in get_unix_msg until a command
// arrives"). Grounded on the teacher's internal/server.go request-handler
// dispatch shape, generalized from HTTP handlers to a flat command table.
type Loop struct {
	path string

	reg      *registry.Registry
	snd      *sender.Sender
	listen   []acceptor.ListenerSocket
	peerC    peer.Client
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	logger   *log.Logger

	fd int

	acceptFlag *acceptor.Gate
	logLevel   *levellog.Gate

	startedAt    time.Time
	lastStatsLog time.Time
}

// New binds socketPath as a SOCK_DGRAM unix socket and returns a ready
// control loop. The socket file is removed first if present, matching
// the usual "stale socket from a previous run" cleanup the teacher's own
// listener setup performs for TCP via SO_REUSEADDR.
func New(socketPath string, reg *registry.Registry, snd *sender.Sender, listen []acceptor.ListenerSocket, peerC peer.Client, verifier *auth.Verifier, m *metrics.Metrics, gate *acceptor.Gate, level *levellog.Gate, logger *log.Logger) (*Loop, error) {
	unix.Unlink(socketPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrUnix{Name: socketPath}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// A receive timeout lets Run recheck stop periodically instead of
	// blocking in recvfrom forever; it does not change the documented
	// "blocks until a command arrives" behavior from a caller's
	// perspective (spec.md §5).
	tv := unix.Timeval{Sec: 0, Usec: 500000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, err
	}

	now := time.Now()
	return &Loop{
		path:         socketPath,
		fd:           fd,
		reg:          reg,
		snd:          snd,
		listen:       listen,
		peerC:        peerC,
		verifier:     verifier,
		metrics:      m,
		logger:       logger,
		acceptFlag:   gate,
		logLevel:     level,
		startedAt:    now,
		lastStatsLog: now,
	}, nil
}

// Run blocks, dispatching one command per datagram, until a `shutdown`
// command is processed or stop is closed (spec.md §4.4 "every branch
// either continues the loop or exits").
func (l *Loop) Run(stop <-chan struct{}) {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, from, err := recvfrom(l.fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				l.logPeriodicStats()
				continue
			}
			l.logger.Printf("control: recv error: %v", err)
			continue
		}

		exit := l.dispatch(buf[:n], from)
		if exit {
			return
		}
		l.logPeriodicStats()
	}
}

// logPeriodicStats emits a stats log with a populated runtime field once
// every statsLogInterval (spec.md §6). The SO_RCVTIMEO-driven recv
// timeout in New guarantees this is checked at least every 500ms even
// when no commands arrive.
func (l *Loop) logPeriodicStats() {
	now := time.Now()
	if now.Sub(l.lastStatsLog) < statsLogInterval {
		return
	}
	l.lastStatsLog = now
	runtime := int64(now.Sub(l.startedAt).Seconds())
	l.logger.Printf("control: %s", l.statsJSONWithRuntime(&runtime))
}

// Close releases the control socket and removes the socket file.
func (l *Loop) Close() error {
	err := unix.Close(l.fd)
	unix.Unlink(l.path)
	return err
}

func recvfrom(fd int, buf []byte) (int, string, error) {
	n, from, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return 0, "", err
	}
	path := ""
	if sa, ok := from.(*unix.SockaddrUnix); ok {
		path = sa.Name
	}
	return n, path, nil
}

func (l *Loop) reply(to string, payload []byte) {
	if to == "" {
		return
	}
	sa := &unix.SockaddrUnix{Name: to}
	if err := unix.Sendto(l.fd, payload, 0, sa); err != nil {
		l.logger.Printf("control: reply to %s failed: %v", to, err)
	}
}
