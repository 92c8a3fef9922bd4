package epoll

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"socks-relay/internal/domain"
)

const maxEvents = 128

// LinuxEventLoop is level-triggered: a descriptor keeps reporting until
// the condition is consumed or its interest is dropped.
type LinuxEventLoop struct {
	epollFD int
	wakeFD  int
	events  []unix.EpollEvent
	ready   []domain.Event
}

func New() (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	l := &LinuxEventLoop{
		epollFD: fd,
		wakeFD:  wfd,
		events:  make([]unix.EpollEvent, maxEvents),
		ready:   make([]domain.Event, 0, maxEvents),
	}
	if err := l.Register(wfd, domain.EventRead); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait returns the ready descriptors. The slice is reused by the next call.
// Error and hangup conditions are reported as both read and write readiness
// so that the owner discovers them through its next I/O call.
func (l *LinuxEventLoop) Wait(timeout time.Duration) ([]domain.Event, error) {
	n, err := unix.EpollWait(l.epollFD, l.events, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	l.ready = l.ready[:0]
	for i := 0; i < n; i++ {
		fd := int(l.events[i].Fd)
		evMask := l.events[i].Events

		if fd == l.wakeFD {
			l.drainWake()
			continue
		}

		var ev domain.EventType
		if evMask&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			ev |= domain.EventRead
		}
		if evMask&unix.EPOLLOUT != 0 {
			ev |= domain.EventWrite
		}
		if evMask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev |= domain.EventRead | domain.EventWrite
		}
		l.ready = append(l.ready, domain.Event{FD: fd, Events: ev})
	}
	return l.ready, nil
}

// Wake interrupts a blocked Wait. Safe to call from any goroutine.
func (l *LinuxEventLoop) Wake() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(l.wakeFD, one[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func (l *LinuxEventLoop) Close() error {
	unix.Close(l.wakeFD)
	return unix.Close(l.epollFD)
}

func (l *LinuxEventLoop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeFD, buf[:])
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
