//go:build linux || darwin

package probe

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

const (
	pollIn  = unix.POLLIN
	pollOut = unix.POLLOUT
	pollErr = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL
)

type pollFd = unix.PollFd

// dialFunc opens a non-blocking socket and starts connecting it. The
// returned descriptor is owned by the caller.
type dialFunc func(addr netip.AddrPort, source netip.Addr) (int, error)

func dial(addr netip.AddrPort, source netip.Addr) (int, error) {
	family := unix.AF_INET
	if addr.Addr().Is6() {
		family = unix.AF_INET6
	}
	remote, err := sockaddr(addr)
	if err != nil {
		return -1, err
	}
	var local unix.Sockaddr
	if source.IsValid() {
		if local, err = sockaddr(netip.AddrPortFrom(source, 0)); err != nil {
			return -1, err
		}
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set non-blocking: %w", err)
	}
	if local != nil {
		if err := unix.Bind(fd, local); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("bind %s: %w", source, err)
		}
	}
	err = unix.Connect(fd, remote)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect: %w", err)
	}
	return fd, nil
}

func sockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}, nil
	}
	zone, err := zoneIndex(ap.Addr().Zone())
	if err != nil {
		return nil, err
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16(), ZoneId: zone}, nil
}

// connectError returns the outcome of an asynchronous connect
func connectError(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

func sockRead(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func sockWrite(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func shutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

func shutdownRead(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RD)
}

func closeFd(fd int) error {
	return unix.Close(fd)
}

func poll(fds []pollFd, timeoutMS int) (int, error) {
	n, err := unix.Poll(fds, timeoutMS)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	return n, err
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// exhausted reports errors caused by the lack of descriptors or buffers
func exhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}

func exhaustionCause(err error) string {
	switch {
	case errors.Is(err, unix.EMFILE):
		return "process descriptor limit reached"
	case errors.Is(err, unix.ENFILE):
		return "system descriptor limit reached"
	case errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
		return "kernel out of socket buffers"
	default:
		return err.Error()
	}
}

func refused(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ECONNRESET)
}

func timedOut(err error) bool {
	return errors.Is(err, unix.ETIMEDOUT)
}

// descriptorLimit returns the soft RLIMIT_NOFILE, 0 when unknown
func descriptorLimit() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0
	}
	if rl.Cur > 1<<20 {
		return 1 << 20
	}
	return int(rl.Cur)
}
