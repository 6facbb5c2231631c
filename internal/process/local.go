package process

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Local runs a worker body on a goroutine of the current process.
type Local struct {
	name   string
	queue  *Queue
	parent Sender
	body   Body

	once sync.Once
	done chan struct{}
	err  error
}

// NewLocal creates a goroutine process. Messages the body sends to its
// parent go to parent.
func NewLocal(name string, queueSize int, parent Sender, body Body) *Local {
	return &Local{
		name:   name,
		queue:  NewQueue(queueSize),
		parent: parent,
		body:   body,
		done:   make(chan struct{}),
	}
}

func (p *Local) Name() string { return p.name }

func (p *Local) Run(ctx context.Context) error {
	started := false
	p.once.Do(func() {
		started = true
		go func() {
			defer close(p.done)
			defer func() {
				if r := recover(); r != nil {
					p.err = fmt.Errorf("process %s panicked: %v\n%s", p.name, r, debug.Stack())
				}
			}()
			p.err = p.body(ctx, p.queue, p.parent)
		}()
	})
	if !started {
		return fmt.Errorf("process %s already started", p.name)
	}
	return nil
}

func (p *Local) Wait() error {
	<-p.done
	return p.err
}

func (p *Local) AddToRunQueue(ctx context.Context, msg Message) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	return p.queue.AddToRunQueue(ctx, msg)
}

func (p *Local) TryAddToRunQueue(msg Message) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	return p.queue.TryAddToRunQueue(msg)
}
