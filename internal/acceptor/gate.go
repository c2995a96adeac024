package acceptor

import "sync/atomic"

// Gate is the process-wide accept flag (spec.md §4.5). It starts closed;
// the acceptor busy-waits on it at startup and skips accepts while it is
// closed, without affecting already-open connections. The `accept` /
// `reject` control commands flip it.
type Gate struct {
	open int32
}

// Open reports whether new connections should currently be accepted.
func (g *Gate) Open() bool { return atomic.LoadInt32(&g.open) != 0 }

// SetOpen flips the gate.
func (g *Gate) SetOpen(v bool) {
	n := int32(0)
	if v {
		n = 1
	}
	atomic.StoreInt32(&g.open, n)
}
