// Package sender implements the single-threaded, non-blocking write loop
// over a mutex+condvar job queue (spec.md §4.3, §5). It never blocks on a
// slow client: a stuck client merely accumulates bytes in its one queued
// job until some other component invalidates it.
package sender

import (
	"log"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stratumd/connectord/internal/registry"
)

// job is one queued outbound write (spec.md §3 "Send job").
type job struct {
	client *registry.Client
	buf    []byte
	ofs    int
}

func (j *job) remaining() []byte { return j.buf[j.ofs:] }

// Sender owns the intake list and the FIFO-per-client working list.
// Grounded on the teacher's channel-fed writer goroutines
// (pkg/websocket/hub.go client.writePump), generalized from a per-client
// buffered channel to a single shared mutex+condvar queue as spec.md §4.3
// requires.
type Sender struct {
	reg    *registry.Registry
	logger *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	intake  []*job
	working []*job

	queued  int64
	size    int64
	delayed int64
	sent    int64
}

// New creates a sender bound to reg for dropping client references on job
// completion.
func New(reg *registry.Registry, logger *log.Logger) *Sender {
	s := &Sender{reg: reg, logger: logger}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue appends a send job for client carrying buf (spec.md §4.3, §4.4
// send dispatch). The caller must already hold a reference on client;
// ownership of that reference transfers to the sender, which drops it on
// completion.
func (s *Sender) Enqueue(client *registry.Client, buf []byte) {
	s.mu.Lock()
	s.intake = append(s.intake, &job{client: client, buf: buf})
	s.queued++
	s.size += int64(len(buf))
	s.mu.Unlock()
	s.cond.Signal()
}

// Run drives the write loop until stop is closed (spec.md §4.3, §5:
// condition-variable wait with a 10ms timeout).
func (s *Sender) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		s.runOnce()
	}
}

func (s *Sender) runOnce() {
	s.drainWorking()
	s.waitForWork()
}

// drainWorking walks the working list once, attempting a non-blocking
// write for each job (spec.md §4.3 step 1).
func (s *Sender) drainWorking() {
	kept := s.working[:0]
	for _, j := range s.working {
		if finished := s.writeJob(j); !finished {
			kept = append(kept, j)
		}
	}
	s.working = kept
}

// writeJob performs one non-blocking write attempt and reports whether
// the job is finished (completed or failed), in which case the caller
// must drop it from the working list.
func (s *Sender) writeJob(j *job) (finished bool) {
	remaining := j.remaining()
	if len(remaining) == 0 {
		s.finish(j, true)
		return true
	}

	n, err := unix.Write(j.client.FD(), remaining)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			s.mu.Lock()
			s.delayed++
			s.mu.Unlock()
			return false
		}
		s.reg.Invalidate(j.client)
		s.finish(j, false)
		return true
	}
	if n == 0 {
		s.reg.Invalidate(j.client)
		s.finish(j, false)
		return true
	}

	j.ofs += n
	if j.ofs >= len(j.buf) {
		s.finish(j, true)
		return true
	}
	return false
}

// finish drops the job's client reference and counts a completed send.
// It is called exactly once per job, whether it completed or failed.
func (s *Sender) finish(j *job, ok bool) {
	s.reg.Unref(j.client)
	if ok {
		s.mu.Lock()
		s.sent++
		s.mu.Unlock()
	}
}

// waitForWork splices intake onto the working list, blocking on the
// condition variable with a 10ms deadline when intake is empty (spec.md
// §4.3 step 2, §5).
func (s *Sender) waitForWork() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.intake) == 0 {
		done := make(chan struct{})
		timer := time.AfterFunc(10*time.Millisecond, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		go func() {
			<-done
			timer.Stop()
		}()
		s.cond.Wait()
		close(done)
	}

	if len(s.intake) > 0 {
		s.working = append(s.working, s.intake...)
		s.intake = s.intake[:0]
	}
}

// Wake unblocks a sender parked in waitForWork so it runs another pass
// without waiting out the 10ms timer.
func (s *Sender) Wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stats returns the queued, size and delayed counters plus the count of
// completed sends, for the stats command (spec.md §4.3, §6).
func (s *Sender) Stats() (queued, size, delayed, sent int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued, s.size, s.delayed, s.sent
}
