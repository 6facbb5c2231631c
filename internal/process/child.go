package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Child is the worker side of an Exec process. It feeds messages read from
// the parent into a local queue and sends messages back as JSON lines.
type Child struct {
	in    io.Reader
	queue *Queue

	mu  sync.Mutex
	enc *json.Encoder
}

// NewChild creates the worker end of a message pipe, usually over
// os.Stdin and os.Stdout.
func NewChild(in io.Reader, out io.Writer, queueSize int) *Child {
	return &Child{
		in:    in,
		queue: NewQueue(queueSize),
		enc:   json.NewEncoder(out),
	}
}

// Inbox returns the queue fed by Serve.
func (c *Child) Inbox() Inbox { return c.queue }

// Serve reads messages until the parent closes the pipe or ctx is done.
// A closed pipe returns nil.
func (c *Child) Serve(ctx context.Context) error {
	dec := json.NewDecoder(c.in)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode message: %w", err)
		}
		if err := c.queue.AddToRunQueue(ctx, msg); err != nil {
			return err
		}
	}
}

// AddToRunQueue sends msg to the parent.
func (c *Child) AddToRunQueue(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.TryAddToRunQueue(msg)
}

// TryAddToRunQueue sends msg to the parent. Pipe writes only block when the
// parent stops reading, so it never reports a full queue.
func (c *Child) TryAddToRunQueue(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}
