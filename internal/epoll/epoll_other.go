//go:build !linux

package epoll

import "errors"

// ErrUnsupported is returned on platforms without epoll. The connector
// is a Linux-targeted pool front-end (spec.md §9 assumes a
// level-triggered epoll-like readiness subsystem); this stub only keeps
// the package importable elsewhere.
var ErrUnsupported = errors.New("epoll: unsupported platform")

type Event struct {
	Token    uint64
	Readable bool
	HangUp   bool
	RDHup    bool
	Err      bool
}

// rawEvent stands in for unix.EpollEvent, which is only defined on
// Linux; Wait's signature is kept shape-compatible across platforms so
// callers don't need a build-tagged call site.
type rawEvent struct{}

type Poller struct{}

func New() (*Poller, error) { return nil, ErrUnsupported }

func (p *Poller) AddListener(fd int, token uint64) error { return ErrUnsupported }
func (p *Poller) AddClient(fd int, token uint64) error   { return ErrUnsupported }
func (p *Poller) Remove(fd int)                          {}
func (p *Poller) Wait(timeoutMS int, buf []rawEvent) ([]Event, error) {
	return nil, ErrUnsupported
}
func (p *Poller) Close() error { return nil }
