// Package registry implements the connector's client registry: a
// reference-counted, id-keyed table of client records with lazy
// reclamation (spec.md §3, §4.1, §9).
//
// The registry is the sole authority over file-descriptor lifetime. A
// client's fd is closed only after it has been marked invalid and its
// reference count has dropped to zero; until then the fd stays open even
// though the client is no longer reachable by id, so that a concurrently
// queued send job or an in-flight readiness event never operates on a
// closed (and possibly already-reused) fd.
package registry

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// approxRecordSize estimates the resident bytes behind one client record
// (the struct plus its 4096-byte line buffer) for the "memory" field of
// the stats blocks in spec.md §6. It is not exact; ckpool's own
// accounting is the same kind of approximation (sizeof(client) * count).
const approxRecordSize = 4096 + 256

// Client is one connected client's record (spec.md §3). Clients are
// addressed by raw, non-blocking file descriptor rather than net.Conn:
// the acceptor and sender drive them directly through the readiness
// subsystem (spec.md §2, §9), outside the Go runtime's own netpoller.
type Client struct {
	mu sync.Mutex // guards the fields below; id/refcount are guarded by the owning Registry's lock

	id     uint64
	fd     int
	server int // listening socket index this client arrived on

	addrNumeric string
	addrPrinted string

	inbuf  [4096]byte
	bufofs int

	passthrough bool
	invalid     bool

	refcount int32

	createdAt time.Time
}

// ID returns the client's stable 64-bit id.
func (c *Client) ID() uint64 { return c.id }

// FD returns the underlying socket descriptor. Valid only while the
// caller holds a reference (from RefByID or equivalent) and the client
// has not yet been reaped.
func (c *Client) FD() int { return c.fd }

// ServerIndex returns the listening-socket index the client arrived on.
func (c *Client) ServerIndex() int { return c.server }

// Address returns the printable peer address.
func (c *Client) Address() string { return c.addrPrinted }

// SetPassthrough marks the client as a passthrough aggregator (spec.md
// §4.4 `passthrough=<id>` command).
func (c *Client) SetPassthrough(v bool) {
	c.mu.Lock()
	c.passthrough = v
	c.mu.Unlock()
}

// Passthrough reports whether the client is in passthrough mode.
func (c *Client) Passthrough() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passthrough
}

// IsInvalid does a best-effort, unlocked-at-the-registry-level read of
// the invalid flag. The acceptor uses this for the deliberately-unlocked
// check before forwarding a parsed message to the peer process (spec.md
// §4.2, §9 Open Questions): a true here is authoritative, a false may be
// stale by one event.
func (c *Client) IsInvalid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalid
}

// InBuf returns the line-framing buffer and current fill offset for the
// acceptor's read loop.
func (c *Client) InBuf() (buf []byte, ofs int) {
	return c.inbuf[:], c.bufofs
}

// SetBufOfs updates the fill offset after a read or after shifting
// consumed bytes out of the buffer.
func (c *Client) SetBufOfs(n int) { c.bufofs = n }

// CounterBlock is the {count, memory, generated} triple used throughout
// the stats output (spec.md §6).
type CounterBlock struct {
	Count     int   `json:"count"`
	Memory    int64 `json:"memory"`
	Generated int64 `json:"generated"`
}

// Registry is the process-wide client table (spec.md §4.1).
type Registry struct {
	mu sync.Mutex

	numListeners int
	maxClients   int
	nextID       uint64

	byID     map[uint64]*Client
	retired  []*Client
	recycled []*Client

	created  int64
	retireCt int64
}

// New creates a registry. numListeners reserves ids 0..numListeners-1 for
// listening sockets, so the first client id is numListeners (spec.md
// §3). maxClients is the acceptor's accept-gate threshold (spec.md §4.2);
// zero means unbounded.
func New(numListeners, maxClients int) *Registry {
	return &Registry{
		numListeners: numListeners,
		maxClients:   maxClients,
		nextID:       uint64(numListeners),
		byID:         make(map[uint64]*Client, 1024),
	}
}

// Recruit returns a zeroed client record, reusing one from the recycled
// free list when available (spec.md §4.1).
func (r *Registry) Recruit() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.created++

	n := len(r.recycled)
	if n == 0 {
		return &Client{}
	}
	c := r.recycled[n-1]
	r.recycled = r.recycled[:n-1]
	return c
}

// Insert assigns the next id and inserts c into the id table, returning
// the assigned id (spec.md §4.1).
func (r *Registry) Insert(c *Client, fd, server int, addrNumeric, addrPrinted string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	c.id = id
	c.fd = fd
	c.server = server
	c.addrNumeric = addrNumeric
	c.addrPrinted = addrPrinted
	c.bufofs = 0
	c.passthrough = false
	c.invalid = false
	c.refcount = 1 // the readiness-subsystem registration ref (spec.md §3)
	c.createdAt = time.Now()

	r.byID[id] = c
	return id
}

// Count returns the number of live clients currently in the id table.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// AtCapacity reports whether the registry is at or above the configured
// maximum client count (spec.md §4.2 accept gate). maxClients == 0 means
// unbounded.
func (r *Registry) AtCapacity() bool {
	if r.maxClients <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID) >= r.maxClients
}

// RefByID looks up a client by id, incrementing its reference count on a
// hit. Invalid clients are never returned (spec.md §4.1).
func (r *Registry) RefByID(id uint64) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	invalid := c.invalid
	c.mu.Unlock()
	if invalid {
		return nil, false
	}
	c.refcount++
	return c, true
}

// Unref decrements c's reference count. It never frees c; Reap does
// that lazily once the count reaches zero and c is invalid.
func (r *Registry) Unref(c *Client) {
	r.mu.Lock()
	c.refcount--
	r.mu.Unlock()
}

// Invalidate idempotently retires c: marks it invalid, removes it from
// the id table, appends it to the retired list, and drops the
// readiness-registration reference (spec.md §4.1). It returns the fd and
// true the first time c transitions to invalid, or (-1, false) if c was
// already invalid.
func (r *Registry) Invalidate(c *Client) (fd int, transitioned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	already := c.invalid
	c.invalid = true
	c.mu.Unlock()
	if already {
		return -1, false
	}

	delete(r.byID, c.id)
	r.retired = append(r.retired, c)
	c.refcount-- // drop the readiness-subsystem registration ref
	r.retireCt++

	return c.fd, true
}

// Reap walks the retired list and closes + recycles any record whose
// reference count has reached zero (spec.md §4.1). The fd-reuse hazard
// this guards against: closing c.fd early could let the OS hand that fd
// number to a brand-new accept() while a queued send job still believes
// it owns it.
func (r *Registry) Reap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.retired[:0]
	for _, c := range r.retired {
		if c.refcount > 0 {
			kept = append(kept, c)
			continue
		}
		if c.fd >= 0 {
			disableLinger(c.fd)
			_ = unix.Close(c.fd)
		}
		*c = Client{}
		c.id = ^uint64(0)
		c.fd = -1
		r.recycled = append(r.recycled, c)
	}
	r.retired = kept
}

// Stats returns the live-client and retired-but-not-yet-reaped counter
// blocks for the stats command (spec.md §6).
func (r *Registry) Stats() (clients, dead CounterBlock) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients = CounterBlock{
		Count:     len(r.byID),
		Memory:    int64(len(r.byID)) * approxRecordSize,
		Generated: r.created,
	}
	dead = CounterBlock{
		Count:     len(r.retired),
		Memory:    int64(len(r.retired)) * approxRecordSize,
		Generated: r.retireCt,
	}
	return clients, dead
}

func disableLinger(fd int) {
	_ = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
}
