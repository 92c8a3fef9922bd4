package domain

import "time"

type EventType uint32

const (
	EventRead  EventType = 0x1 // EPOLLIN
	EventWrite EventType = 0x4 // EPOLLOUT
)

type Event struct {
	FD     int
	Events EventType
}

// EventLoop is a level-triggered readiness multiplexer. Wait blocks until a
// registered descriptor is ready, the timeout elapses (negative waits
// forever), or Wake is called from another goroutine.
type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Wait(timeout time.Duration) ([]Event, error)
	Wake() error
	Close() error
}
