package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ExecOptions configures a worker that runs as a child OS process.
type ExecOptions struct {
	Binary string
	Args   []string
	// Env entries in KEY=value form, appended to the current environment.
	Env             []string
	QueueSize       int
	ShutdownTimeout time.Duration
	Stderr          io.Writer
}

// Exec runs a worker as a child process. Messages sent to it are written to
// the child's stdin as JSON lines; JSON lines the child writes to stdout are
// forwarded to the sink.
type Exec struct {
	name   string
	opts   ExecOptions
	sink   Sender
	logger zerolog.Logger

	out  chan Message
	once sync.Once
	done chan struct{}
	err  error
}

// NewExec creates a child process worker.
func NewExec(name string, opts ExecOptions, sink Sender, logger zerolog.Logger) *Exec {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Exec{
		name:   name,
		opts:   opts,
		sink:   sink,
		logger: logger.With().Str("process", name).Logger(),
		out:    make(chan Message, opts.QueueSize),
		done:   make(chan struct{}),
	}
}

func (p *Exec) Name() string { return p.name }

func (p *Exec) Run(ctx context.Context) error {
	var err error
	started := false
	p.once.Do(func() {
		started = true
		err = p.start(ctx)
		if err != nil {
			p.err = err
			close(p.done)
		}
	})
	if !started {
		return fmt.Errorf("process %s already started", p.name)
	}
	return err
}

func (p *Exec) start(ctx context.Context) error {
	cmd := exec.Command(p.opts.Binary, p.opts.Args...)
	cmd.Env = append(os.Environ(), p.opts.Env...)
	cmd.Stderr = p.opts.Stderr
	// Own process group so a terminal interrupt reaches only the coordinator.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process %s: %w", p.name, err)
	}
	p.logger.Debug().Int("pid", cmd.Process.Pid).Msg("Started worker process")

	go p.writeLoop(ctx, cmd, stdin)
	go func() {
		defer close(p.done)
		p.readLoop(ctx, stdout)
		if err := cmd.Wait(); err != nil {
			p.err = fmt.Errorf("process %s exited: %w", p.name, err)
		}
		p.logger.Debug().Err(p.err).Msg("Worker process exited")
	}()
	return nil
}

// writeLoop forwards queued messages to the child. When ctx is done it
// closes stdin and signals the child, escalating to SIGKILL on the whole
// process group after the shutdown timeout.
func (p *Exec) writeLoop(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser) {
	enc := json.NewEncoder(stdin)
	for {
		select {
		case msg := <-p.out:
			if err := enc.Encode(msg); err != nil {
				p.logger.Warn().Err(err).Str("op", string(msg.Op)).Msg("Failed to write message to worker")
			}
		case <-p.done:
			return
		case <-ctx.Done():
			_ = stdin.Close()
			_ = cmd.Process.Signal(syscall.SIGTERM)

			timer := time.NewTimer(p.opts.ShutdownTimeout)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				p.logger.Warn().Dur("timeout", p.opts.ShutdownTimeout).Msg("Worker did not exit, killing process group")
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
			return
		}
	}
}

func (p *Exec) readLoop(ctx context.Context, stdout io.Reader) {
	dec := json.NewDecoder(stdout)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn().Err(err).Msg("Failed to decode worker message")
				// drain so the child never blocks on a full pipe
				_, _ = io.Copy(io.Discard, stdout)
			}
			return
		}
		if err := p.sink.AddToRunQueue(context.WithoutCancel(ctx), msg); err != nil {
			p.logger.Warn().Err(err).Str("op", string(msg.Op)).Msg("Failed to forward worker message")
		}
	}
}

func (p *Exec) Wait() error {
	<-p.done
	return p.err
}

func (p *Exec) AddToRunQueue(ctx context.Context, msg Message) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Exec) TryAddToRunQueue(msg Message) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case p.out <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}
