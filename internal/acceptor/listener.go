package acceptor

import (
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stratumd/connectord/internal/config"
)

// ListenerSocket is one bound, non-blocking, listening TCP socket
// (spec.md §6).
type ListenerSocket struct {
	FD    int
	Index int
	Addr  string
}

// BindListeners binds every configured listener, reusing an inherited fd
// when its bound address matches the configuration and rebinding
// otherwise (spec.md §6). Bind failures are retried every
// BindRetryWaitSeconds up to BindRetries times before giving up
// (spec.md §6, §7).
func BindListeners(cfg *config.ServerConfig, logger *log.Logger) ([]ListenerSocket, error) {
	out := make([]ListenerSocket, 0, len(cfg.Listeners))
	for i, l := range cfg.Listeners {
		addr := fmt.Sprintf("%s:%d", l.Host, l.Port)

		if i < len(cfg.InheritFDs) {
			fd := cfg.InheritFDs[i]
			if boundAddr, ok := inheritedAddrMatches(fd, l); ok {
				logger.Printf("listener[%d]: reusing inherited fd %d bound to %s", i, fd, boundAddr)
				out = append(out, ListenerSocket{FD: fd, Index: i, Addr: addr})
				continue
			}
			logger.Printf("listener[%d]: inherited fd %d does not match configured %s, rebinding", i, fd, addr)
			_ = unix.Close(fd)
		}

		fd, err := bindWithRetry(l, cfg.Backlog, cfg.BindRetries, cfg.BindRetryWaitSeconds, logger)
		if err != nil {
			return nil, fmt.Errorf("listener[%d] (%s): %w", i, addr, err)
		}
		out = append(out, ListenerSocket{FD: fd, Index: i, Addr: addr})
	}
	return out, nil
}

func inheritedAddrMatches(fd int, want config.Listener) (string, bool) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", false
	}

	var gotPort int
	var gotHost string
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		gotPort = a.Port
		gotHost = net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		gotPort = a.Port
		gotHost = net.IP(a.Addr[:]).String()
	default:
		return "", false
	}

	printed := fmt.Sprintf("%s:%d", gotHost, gotPort)
	if gotPort != want.Port {
		return printed, false
	}
	// A configured wildcard host matches an inherited listener bound to
	// any address on the right port, since the wildcard subsumes it.
	if want.Host == "" || want.Host == "0.0.0.0" || want.Host == "::" || gotHost == want.Host {
		return printed, true
	}
	return printed, false
}

func bindWithRetry(l config.Listener, backlog, retries, waitSeconds int, logger *log.Logger) (int, error) {
	if backlog <= 0 {
		backlog = 8192
	}
	if retries <= 0 {
		retries = 25
	}
	if waitSeconds <= 0 {
		waitSeconds = 5
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		fd, err := bindOnce(l, backlog)
		if err == nil {
			return fd, nil
		}
		lastErr = err
		logger.Printf("bind %s:%d failed (attempt %d/%d): %v", l.Host, l.Port, attempt, retries, err)
		if attempt < retries {
			time.Sleep(time.Duration(waitSeconds) * time.Second)
		}
	}
	return -1, fmt.Errorf("exhausted %d bind retries: %w", retries, lastErr)
}

func bindOnce(l config.Listener, backlog int) (int, error) {
	ip := net.ParseIP(l.Host)
	family := unix.AF_INET
	if ip != nil && ip.To4() == nil {
		family = unix.AF_INET6
	}
	if l.Host == "" || l.Host == "0.0.0.0" {
		family = unix.AF_INET
	}
	if l.Host == "::" {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("SO_REUSEADDR: %w", err)
	}

	if family == unix.AF_INET6 {
		var addr16 [16]byte
		if ip != nil {
			copy(addr16[:], ip.To16())
		}
		sa := &unix.SockaddrInet6{Port: l.Port, Addr: addr16}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("bind: %w", err)
		}
	} else {
		var addr4 [4]byte
		if ip != nil && ip.To4() != nil {
			copy(addr4[:], ip.To4())
		}
		sa := &unix.SockaddrInet4{Port: l.Port, Addr: addr4}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("bind: %w", err)
		}
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}

	return fd, nil
}
