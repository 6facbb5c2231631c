package process

import (
	"context"
)

// Queue is a bounded FIFO of messages.
type Queue struct {
	ch chan Message
}

// NewQueue creates a queue holding up to size messages.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Message, size)}
}

func (q *Queue) AddToRunQueue(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) TryAddToRunQueue(msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// TryGet pops a message without blocking.
func (q *Queue) TryGet() (Message, bool) {
	select {
	case msg := <-q.ch:
		return msg, true
	default:
		return Message{}, false
	}
}

func (q *Queue) PopAndRunNext(ctx context.Context, d Dispatcher) (bool, error) {
	msg, ok := q.TryGet()
	if !ok {
		return false, nil
	}
	return true, d.Dispatch(ctx, msg)
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Main is the coordinator's own process. It only has a queue; its loop is
// driven by the coordinator.
type Main struct {
	*Queue
	name string
}

// NewMain creates the main process.
func NewMain(queueSize int) *Main {
	return &Main{Queue: NewQueue(queueSize), name: "main"}
}

// Name returns the process name.
func (m *Main) Name() string { return m.name }
