// Package netio is the OS nonblocking-socket wrapper the engine polls:
// a thin RAII-style handle over a non-blocking Linux TCP socket, plus
// a poll(2)-based readiness primitive tracking many descriptors with
// separate read/write interest. It is deliberately low-level — the
// engine never calls a blocking net.Conn method, matching
// _examples/original_source/include/socket.hpp's Socket class and
// peer_pool.hpp's use of ::poll.
package netio

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Send/Recv/FinishConnect instead of
// EAGAIN/EWOULDBLOCK/EINPROGRESS, so callers can tell "try again later"
// apart from a real error or a closed connection.
var ErrWouldBlock = errors.New("netio: would block")

// ErrClosed is returned by Recv when the peer has performed an orderly
// shutdown (recv returned 0 bytes).
var ErrClosed = errors.New("netio: connection closed")

// Socket is a move-only (by convention — copy it and both copies will
// close the same fd) non-blocking TCP socket.
type Socket struct {
	fd int
}

// Dial starts a non-blocking connect to host:port. The connection may
// still be in progress when this returns; use FinishConnect once the
// fd is writable to find out whether it succeeded.
func Dial(host string, port uint16) (*Socket, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("netio: cannot resolve %s: %w", host, err)
		}
		ip = addrs[0]
	}

	var sa unix.Sockaddr
	domain := unix.AF_INET
	if v4 := ip.To4(); v4 != nil {
		addr := &unix.SockaddrInet4{Port: int(port)}
		copy(addr.Addr[:], v4)
		sa = addr
	} else {
		v6 := ip.To16()
		if v6 == nil {
			return nil, fmt.Errorf("netio: bad ip %s", host)
		}
		domain = unix.AF_INET6
		addr := &unix.SockaddrInet6{Port: int(port)}
		copy(addr.Addr[:], v6)
		sa = addr
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("netio: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: set nonblock: %w", err)
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: connect: %w", err)
	}

	return &Socket{fd: fd}, nil
}

// FinishConnect checks whether a Dial's in-progress connect finished
// successfully. Call this once the fd has reported write-readiness.
func (s *Socket) FinishConnect() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("netio: getsockopt: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("netio: connect failed: %w", syscall.Errno(errno))
	}
	return nil
}

// FD returns the raw file descriptor, for registering with a Poller.
func (s *Socket) FD() int {
	return s.fd
}

// FromFD wraps an already-connected, already-nonblocking file
// descriptor, such as one half of a unix.Socketpair, without going
// through Dial's DNS/connect path. Mainly useful for tests that want
// a real two-ended socket without a listener.
func FromFD(fd int) *Socket {
	return &Socket{fd: fd}
}

// Send writes as much of buf[offset:] as the socket will currently
// accept and returns the new offset. When the call would block, offset
// is returned unchanged alongside ErrWouldBlock.
func (s *Socket) Send(buf []byte, offset int) (int, error) {
	n, err := unix.Write(s.fd, buf[offset:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return offset, ErrWouldBlock
		}
		return offset, fmt.Errorf("netio: send: %w", err)
	}
	return offset + n, nil
}

// Recv reads into buf[offset:] and returns the new offset. A read of
// would-block is reported as ErrWouldBlock; a read of zero bytes after
// the connection was previously established is reported as ErrClosed
// (the peer reset the connection or shut it down). Per spec, "read
// exactly len(buf)-offset-1 bytes" is NOT treated as completion —
// completion is strictly n == requested length, computed by the
// caller from the returned offset.
func (s *Socket) Recv(buf []byte, offset int) (int, error) {
	if offset >= len(buf) {
		return offset, nil
	}
	n, err := unix.Read(s.fd, buf[offset:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return offset, ErrWouldBlock
		}
		if err == unix.ECONNRESET {
			return offset, ErrClosed
		}
		return offset, fmt.Errorf("netio: recv: %w", err)
	}
	if n == 0 {
		return offset, ErrClosed
	}
	return offset + n, nil
}

// Close releases the fd. Safe to call more than once.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
