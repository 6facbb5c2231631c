// Package process runs agents as units of concurrent execution that talk
// only through bounded message queues. A process is either a goroutine in
// the coordinator (Local) or a separate OS process (Exec) exchanging
// line-delimited JSON over its standard streams.
package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/tapcrawler/tapcrawler/internal/model"
)

var (
	// ErrQueueFull is returned by non-blocking sends to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrUnknownOp is returned when no handler is registered for a message.
	ErrUnknownOp = errors.New("unknown message op")
	// ErrStopped is returned when sending to a process that has exited.
	ErrStopped = errors.New("process stopped")
)

// Op names the handler a message runs in the receiving process.
type Op string

const (
	// OpSetWeights stages a weight snapshot in a worker.
	OpSetWeights Op = "set_weights"
	// OpFileCompleted reports a sealed collector shard to the coordinator.
	OpFileCompleted Op = "file_completed"
)

// Message is a unit of work enqueued by one process for another.
type Message struct {
	Op      Op                `json:"op"`
	AgentID int               `json:"agent_id,omitempty"`
	Version int               `json:"version,omitempty"`
	Weights model.Weights     `json:"weights,omitempty"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// Handler runs a message inside the receiving process.
type Handler func(ctx context.Context, msg Message) error

// Dispatcher runs messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// Routes dispatches messages by op.
type Routes map[Op]Handler

// Dispatch runs the handler registered for msg.Op.
func (r Routes) Dispatch(ctx context.Context, msg Message) error {
	h, ok := r[msg.Op]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOp, msg.Op)
	}
	return h(ctx, msg)
}

// Sender enqueues messages for a process.
type Sender interface {
	// AddToRunQueue blocks while the queue is full or until ctx is done.
	AddToRunQueue(ctx context.Context, msg Message) error
	// TryAddToRunQueue returns ErrQueueFull instead of blocking.
	TryAddToRunQueue(msg Message) error
}

// Inbox is the receiving end of a process queue. It is only used by the
// owning process.
type Inbox interface {
	// PopAndRunNext runs at most one pending message and never blocks.
	// It reports whether a message was run.
	PopAndRunNext(ctx context.Context, d Dispatcher) (bool, error)
}

// Process is a spawned unit of execution with its own queue.
type Process interface {
	Sender
	Name() string
	// Run starts the process and returns without waiting for it.
	Run(ctx context.Context) error
	// Wait blocks until the process exited and returns its error.
	Wait() error
}

// Body is the main function of a worker process.
type Body func(ctx context.Context, inbox Inbox, parent Sender) error
