// Package acceptor implements the single-threaded, readiness-driven
// accept + read + line-frame + parse + forward loop (spec.md §4.2,
// §4.5). Grounded on the teacher's pkg/websocket/netpoll.go epoll
// wrapper and its accept-loop shape in hub.go, generalized from a
// WebSocket upgrade handshake to the connector's raw newline-JSON wire
// format and from edge-triggered to level-triggered semantics.
package acceptor

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stratumd/connectord/internal/clientid"
	"github.com/stratumd/connectord/internal/epoll"
	"github.com/stratumd/connectord/internal/levellog"
	"github.com/stratumd/connectord/internal/metrics"
	"github.com/stratumd/connectord/internal/peer"
	"github.com/stratumd/connectord/internal/registry"
	"github.com/stratumd/connectord/internal/sender"
)

// Loop owns the readiness descriptor and every listening socket (spec.md
// §4.2, §5).
type Loop struct {
	poller    *epoll.Poller
	listeners []ListenerSocket

	reg     *registry.Registry
	snd     *sender.Sender
	peerC   peer.Client
	metrics *metrics.Metrics
	logger  *log.Logger
	level   *levellog.Gate

	gate *Gate

	// passthroughGlobal mirrors spec.md §4.2's "process-global
	// passthrough" destination switch: true routes augmented messages
	// to the generator instead of the stratifier.
	passthroughGlobal bool
}

// New builds an acceptor loop over already-bound listeners.
func New(listeners []ListenerSocket, reg *registry.Registry, snd *sender.Sender, peerC peer.Client, m *metrics.Metrics, level *levellog.Gate, logger *log.Logger, gate *Gate) (*Loop, error) {
	poller, err := epoll.New()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}
	for _, l := range listeners {
		if err := poller.AddListener(l.FD, uint64(l.Index)); err != nil {
			return nil, fmt.Errorf("register listener %d: %w", l.Index, err)
		}
	}
	return &Loop{
		poller:    poller,
		listeners: listeners,
		reg:       reg,
		snd:       snd,
		peerC:     peerC,
		metrics:   m,
		logger:    logger,
		level:     level,
		gate:      gate,
	}, nil
}

// SetPassthroughGlobal toggles the process-wide generator/stratifier
// destination switch (spec.md §4.2, §6).
func (l *Loop) SetPassthroughGlobal(v bool) { l.passthroughGlobal = v }

// Run drives the accept/receive loop until stop is closed (spec.md §5:
// "blocks in readiness_wait up to 1s per iteration").
func (l *Loop) Run(stop <-chan struct{}) {
	// The acceptor busy-waits (millisecond sleeps) until the gate opens
	// for the first time (spec.md §4.5).
	for !l.gate.Open() {
		select {
		case <-stop:
			return
		case <-time.After(time.Millisecond):
		}
	}

	events := make([]unix.EpollEvent, 256)
	for {
		select {
		case <-stop:
			return
		default:
		}

		ready, err := l.poller.Wait(1000, events)
		if err != nil {
			l.logger.Printf("acceptor: readiness wait failed, fatal: %v", err)
			return
		}
		for _, ev := range ready {
			l.handleEvent(ev)
		}
		l.reg.Reap()
	}
}

func numListeners(listeners []ListenerSocket) uint64 { return uint64(len(listeners)) }

func (l *Loop) handleEvent(ev epoll.Event) {
	if ev.Token < numListeners(l.listeners) {
		l.acceptOn(int(ev.Token))
		return
	}

	client, ok := l.reg.RefByID(ev.Token)
	if !ok {
		return
	}
	defer l.reg.Unref(client)

	if ev.Readable {
		l.receive(client)
	}
	if client.IsInvalid() {
		return
	}
	if ev.Err {
		errno := socketError(client.FD())
		l.logger.Printf("acceptor: client %d socket error: %v", client.ID(), errno)
		l.invalidate(client)
		return
	}
	if ev.HangUp {
		l.logger.Printf("acceptor: client %d hung up", client.ID())
		l.invalidate(client)
		return
	}
	if ev.RDHup {
		l.logger.Printf("acceptor: client %d half-closed", client.ID())
		l.invalidate(client)
		return
	}
}

func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// acceptOn accepts as many pending connections as are available on
// listener index idx, stopping at the first benign error (spec.md §4.2
// "Accept").
func (l *Loop) acceptOn(idx int) {
	ls := l.listeners[idx]
	for {
		if !l.gate.Open() {
			return
		}
		if l.reg.AtCapacity() {
			l.metrics.ConnectionRejected()
			return
		}

		fd, sa, err := unix.Accept(ls.FD)
		if err != nil {
			if isBenignAcceptError(err) {
				return
			}
			l.logger.Printf("acceptor: accept on listener %d failed: %v", idx, err)
			return
		}

		addrNumeric, addrPrinted, ok := describeAddr(sa)
		if !ok {
			l.logger.Printf("acceptor: rejecting connection with unknown address family on listener %d", idx)
			unix.Close(fd)
			continue
		}

		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		if err := unix.SetNonblock(fd, true); err != nil {
			l.logger.Printf("acceptor: set nonblock on accepted fd: %v", err)
			unix.Close(fd)
			continue
		}

		c := l.reg.Recruit()
		id := l.reg.Insert(c, fd, idx, addrNumeric, addrPrinted)
		if err := l.poller.AddClient(fd, id); err != nil {
			l.logger.Printf("acceptor: register client %d with poller: %v", id, err)
			l.invalidate(c)
			continue
		}
		l.metrics.ConnectionAccepted()
	}
}

func isBenignAcceptError(err error) bool {
	// EAGAIN and EWOULDBLOCK share one value on Linux, so they cannot be
	// listed as separate switch cases.
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNABORTED
}

func describeAddr(sa unix.Sockaddr) (numeric, printed string, ok bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		numeric = fmt.Sprintf("%d.%d.%d.%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
		return numeric, fmt.Sprintf("%s:%d", numeric, a.Port), true
	case *unix.SockaddrInet6:
		numeric = fmt.Sprintf("%x", a.Addr)
		return numeric, fmt.Sprintf("[%s]:%d", numeric, a.Port), true
	default:
		return "", "", false
	}
}

// receive drains one non-blocking read and parses as many complete
// lines as are buffered (spec.md §4.2 "Framing and parse").
func (l *Loop) receive(c *registry.Client) {
	buf, filled := c.InBuf()

	n, err := unix.Read(c.FD(), buf[filled:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		l.invalidate(c)
		return
	}
	if n == 0 {
		l.invalidate(c)
		return
	}
	filled += n
	c.SetBufOfs(filled)

	for {
		line, newFilled, result := NextLine(buf, filled)
		filled = newFilled
		c.SetBufOfs(filled)

		switch result {
		case NeedMore:
			return
		case Oversize:
			l.rejectClient(c, "Oversize line, disconnecting\n")
			return
		case Line:
			if !l.parseAndForward(c, line) {
				return
			}
		}
	}
}

// rejectClient best-effort queues a diagnostic line before invalidating,
// matching spec.md §4.2's oversize/parse-failure handling.
func (l *Loop) rejectClient(c *registry.Client, message string) {
	if ref, ok := l.reg.RefByID(c.ID()); ok {
		l.snd.Enqueue(ref, []byte(message))
	}
	l.metrics.FramingError()
	l.invalidate(c)
}

// parseAndForward implements spec.md §4.2's augment-and-forward step. It
// returns false when the client was invalidated (stopping further line
// processing from the now-stale buffer).
func (l *Loop) parseAndForward(c *registry.Client, line []byte) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		l.rejectClient(c, "Invalid JSON, disconnecting\n")
		return false
	}

	if c.Passthrough() {
		rawNested, ok := obj["client_id"]
		if !ok {
			l.rejectClient(c, "Invalid JSON, disconnecting\n")
			return false
		}
		var nested int64
		if err := json.Unmarshal(rawNested, &nested); err != nil {
			l.rejectClient(c, "Invalid JSON, disconnecting\n")
			return false
		}
		composite := clientid.Composite(c.ID(), uint32(nested))
		obj["client_id"] = rawJSONUint(composite)
		obj["server"] = rawJSONInt(c.ServerIndex())
	} else {
		obj["client_id"] = rawJSONUint(c.ID())
		obj["address"] = rawJSONString(c.Address())
		obj["server"] = rawJSONInt(c.ServerIndex())
	}

	out, err := json.Marshal(obj)
	if err != nil {
		l.logger.Printf("acceptor: re-serialize augmented message: %v", err)
		return true
	}
	out = append(out, '\n')

	// The invalid check here is deliberately unlocked (spec.md §4.2):
	// the downstream peer filters stale ids.
	if c.IsInvalid() {
		return false
	}

	dest := peer.Stratifier
	if l.passthroughGlobal {
		dest = peer.Generator
	}
	if err := l.peerC.Send(dest, out); err != nil {
		l.metrics.PeerSendError(dest.String())
		l.logger.Printf("acceptor: forward to %s failed: %v", dest, err)
		return true
	}
	l.metrics.MessageReceived()
	return true
}

func (l *Loop) invalidate(c *registry.Client) {
	if _, transitioned := l.reg.Invalidate(c); !transitioned {
		return
	}
	l.poller.Remove(c.FD())
	l.metrics.ConnectionInvalidated()
	if err := l.peerC.NotifyDrop(c.ID()); err != nil {
		l.logger.Printf("acceptor: notify drop for %d: %v", c.ID(), err)
	}
}

func rawJSONUint(v uint64) json.RawMessage { return json.RawMessage(fmt.Sprintf("%d", v)) }
func rawJSONInt(v int) json.RawMessage     { return json.RawMessage(fmt.Sprintf("%d", v)) }

func rawJSONString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return json.RawMessage(b)
}
