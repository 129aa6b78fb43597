package netio

import "golang.org/x/sys/unix"

// Poller is a level-triggered readiness primitive over N+1
// descriptors with independent read/write interest per fd, backed by
// poll(2). Index 0..N-1 are peer slots in the engine's usage, the last
// is the tracker slot — but this package is agnostic to that meaning;
// it just tracks a parallel array of interest masks.
type Poller struct {
	fds []unix.PollFd
}

// NewPoller creates a Poller sized to track n descriptors, all
// initially idle (fd == -1, which poll(2) ignores).
func NewPoller(n int) *Poller {
	fds := make([]unix.PollFd, n)
	for i := range fds {
		fds[i].Fd = -1
	}
	return &Poller{fds: fds}
}

// Set installs the descriptor and interest for slot i. Pass fd == -1
// to mark the slot idle.
func (p *Poller) Set(i int, fd int, wantRead, wantWrite bool) {
	p.fds[i].Fd = int32(fd)
	var events int16
	if wantRead {
		events |= unix.POLLIN
	}
	if wantWrite {
		events |= unix.POLLOUT
	}
	p.fds[i].Events = events
	p.fds[i].Revents = 0
}

// Clear idles slot i.
func (p *Poller) Clear(i int) {
	p.fds[i].Fd = -1
	p.fds[i].Events = 0
	p.fds[i].Revents = 0
}

// Wait blocks for up to timeoutMs milliseconds (or indefinitely for
// -1) until at least one descriptor is ready, then returns. Use
// Readable/Writable/HasError afterwards to inspect which.
func (p *Poller) Wait(timeoutMs int) error {
	_, err := unix.Poll(p.fds, timeoutMs)
	if err != nil && err != unix.EINTR {
		return err
	}
	return nil
}

// Readable reports whether slot i is ready for reading.
func (p *Poller) Readable(i int) bool {
	return p.fds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
}

// Writable reports whether slot i is ready for writing.
func (p *Poller) Writable(i int) bool {
	return p.fds[i].Revents&unix.POLLOUT != 0
}

// HasError reports whether slot i signalled POLLERR or POLLHUP.
func (p *Poller) HasError(i int) bool {
	return p.fds[i].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
}
