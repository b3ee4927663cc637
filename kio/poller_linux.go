//go:build linux

// Package kio implements the kernel I/O channels: KInput and KOutput
// bridge nonblocking OS descriptors into the flow graph, applying
// obstruction-driven backpressure when a downstream (for KInput) or the
// descriptor itself (for KOutput) cannot keep up.
package kio

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Readiness is the set of conditions a Poller reports for a descriptor.
type Readiness uint32

const (
	ReadinessRead Readiness = 1 << iota
	ReadinessWrite
	ReadinessError
	ReadinessHangup
)

// ReadinessCallback is invoked, on the poller's own goroutine, whenever
// a registered descriptor becomes ready. Implementations must not block
// and must hand off to the owning Execution Context before touching any
// processor or channel state.
type ReadinessCallback func(Readiness)

// Poller abstracts the OS readiness-notification mechanism (epoll on
// Linux) that KInput/KOutput register their descriptors against.
type Poller interface {
	Register(fd int, events Readiness, cb ReadinessCallback) error
	Modify(fd int, events Readiness) error
	Unregister(fd int) error
	Run()
	Close() error
}

type fdEntry struct {
	cb     ReadinessCallback
	events Readiness
}

// EpollPoller is an epoll(7)-backed Poller holding a map-keyed fd
// registry, since this runtime does not assume a bounded descriptor
// space.
type EpollPoller struct {
	epfd int

	mu     sync.RWMutex
	fds    map[int]fdEntry
	closed bool
	stop   chan struct{}
}

// NewEpollPoller creates and initializes an epoll instance.
func NewEpollPoller() (*EpollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollPoller{epfd: epfd, fds: make(map[int]fdEntry), stop: make(chan struct{})}, nil
}

func (p *EpollPoller) Register(fd int, events Readiness, cb ReadinessCallback) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return unix.EBADF
	}
	if _, exists := p.fds[fd]; exists {
		p.mu.Unlock()
		return unix.EEXIST
	}
	p.fds[fd] = fdEntry{cb: cb, events: events}
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		delete(p.fds, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *EpollPoller) Modify(fd int, events Readiness) error {
	p.mu.Lock()
	entry, ok := p.fds[fd]
	if !ok {
		p.mu.Unlock()
		return unix.ENOENT
	}
	entry.events = events
	p.fds[fd] = entry
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *EpollPoller) Unregister(fd int) error {
	p.mu.Lock()
	if _, ok := p.fds[fd]; !ok {
		p.mu.Unlock()
		return unix.ENOENT
	}
	delete(p.fds, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run drives the poll loop until Close is called. Intended to be run on
// its own goroutine.
func (p *EpollPoller) Run() {
	var buf [128]unix.EpollEvent
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n, err := unix.EpollWait(p.epfd, buf[:], 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		for i := 0; i < n; i++ {
			fd := int(buf[i].Fd)
			p.mu.RLock()
			entry, ok := p.fds[fd]
			p.mu.RUnlock()
			if ok && entry.cb != nil {
				entry.cb(fromEpoll(buf[i].Events))
			}
		}
	}
}

func (p *EpollPoller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stop)
	return unix.Close(p.epfd)
}

func toEpoll(r Readiness) uint32 {
	var e uint32
	if r&ReadinessRead != 0 {
		e |= unix.EPOLLIN
	}
	if r&ReadinessWrite != 0 {
		e |= unix.EPOLLOUT
	}
	e |= unix.EPOLLERR | unix.EPOLLHUP
	return e
}

func fromEpoll(e uint32) Readiness {
	var r Readiness
	if e&unix.EPOLLIN != 0 {
		r |= ReadinessRead
	}
	if e&unix.EPOLLOUT != 0 {
		r |= ReadinessWrite
	}
	if e&unix.EPOLLERR != 0 {
		r |= ReadinessError
	}
	if e&unix.EPOLLHUP != 0 {
		r |= ReadinessHangup
	}
	return r
}

// SetNonblock marks fd non-blocking, required before registering it with
// the poller.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// sysAccept accepts one pending connection on the listening descriptor
// fd, returning the new connection's descriptor already nonblocking and
// close-on-exec.
func sysAccept(fd int) (int, error) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return nfd, nil
}

// Dup duplicates fd with close-on-exec set. A connection carried by both
// a KInput and a KOutput needs two descriptors, since the poller holds
// one registration per descriptor.
func Dup(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return nfd, nil
}
