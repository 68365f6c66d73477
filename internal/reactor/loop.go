// Package reactor implements the edge-triggered, one-shot readiness loop
// that the stubborn links register their sockets with for read
// readiness: one epoll instance, many registered fds, N workers calling
// Run concurrently and waiting on epoll_wait.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kvant-labs/dalink/internal/logging"
)

// ErrClosed is returned by Register/Run once the loop has been closed.
var ErrClosed = errors.New("reactor: closed")

// EventKind describes which direction became ready.
type EventKind int

const (
	// EventReadable indicates the fd is ready for a non-blocking read.
	EventReadable EventKind = iota
	// EventWritable indicates the fd is ready for a non-blocking write.
	EventWritable
)

// Event is delivered to a registered Handler when its fd becomes ready.
type Event struct {
	FD   int
	Kind EventKind
}

// Handler reacts to a readiness event for one fd. It must re-arm interest
// for the next edge itself (Loop.Rearm) once it has drained the fd, since
// registrations are EPOLLONESHOT.
type Handler func(ev Event)

// Loop is a single epoll instance shared by any number of registered fds,
// drained by N worker goroutines each calling Run in a loop.
type Loop struct {
	epfd     int
	wakeFD   int
	logger   *logging.Logger
	mu       sync.Mutex
	handlers map[int]Handler
	closed   bool
}

// New creates an epoll instance and an eventfd used to interrupt Run calls
// blocked in epoll_wait when Close is invoked, for orderly shutdown of the
// readiness loop.
func New(logger *logging.Logger) (*Loop, error) {
	if logger == nil {
		logger = logging.Default()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	l := &Loop{
		epfd:     epfd,
		wakeFD:   wakeFD,
		logger:   logger,
		handlers: make(map[int]Handler),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: epoll_ctl add wake fd: %w", err)
	}
	return l, nil
}

// Register arms fd for edge-triggered, one-shot readiness on the given
// interest (EPOLLIN for read readiness, EPOLLOUT for write readiness) and
// stores handler to be invoked on the next edge.
func (l *Loop) Register(fd int, writable bool, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	events := uint32(unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT)
	if writable {
		events = uint32(unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLONESHOT)
	}
	l.handlers[fd] = handler
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	}); err != nil {
		delete(l.handlers, fd)
		return fmt.Errorf("reactor: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Rearm re-registers interest on fd after its one-shot event has fired and
// the handler has finished draining it: one-shot readiness must be
// explicitly re-armed, never left to refire on its own.
func (l *Loop) Rearm(fd int, writable bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	events := uint32(unix.EPOLLIN | unix.EPOLLET | unix.EPOLLONESHOT)
	if writable {
		events = uint32(unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLONESHOT)
	}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// Unregister removes fd from the epoll instance, e.g. when a link is torn
// down.
func (l *Loop) Unregister(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, fd)
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run blocks handling readiness events until ctx is cancelled or the loop
// is closed. It is meant to be called by several worker goroutines at once
// (internal/constants.ReadEventLoopWorkers of them in a Process), all
// drawing from the same
// epoll instance — Linux fans edge-triggered events out to exactly one
// waiter each, so concurrent Run callers do not double-handle an edge.
func (l *Loop) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				return nil
			}
			l.mu.Lock()
			handler, ok := l.handlers[fd]
			l.mu.Unlock()
			if !ok {
				continue
			}
			kind := EventReadable
			if events[i].Events&unix.EPOLLOUT != 0 {
				kind = EventWritable
			}
			handler(Event{FD: fd, Kind: kind})
		}
	}
}

// Close wakes every blocked Run call and releases the epoll and eventfd
// descriptors. Safe to call more than once.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(l.wakeFD, one[:])

	l.logger.Debug("reactor closing")
	_ = unix.Close(l.wakeFD)
	return unix.Close(l.epfd)
}
