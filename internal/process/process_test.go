package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tapcrawler/tapcrawler/internal/model"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

func TestMain(m *testing.M) {
	if os.Getenv("TAPCRAWLER_TEST_CHILD") == "1" {
		os.Exit(runEchoChild())
	}
	goleak.VerifyTestMain(m)
}

// runEchoChild answers every set_weights message with a file_completed
// report carrying the same version.
func runEchoChild() int {
	// exit on a closed stdin, not on the parent's SIGTERM
	signal.Ignore(syscall.SIGTERM)
	child := NewChild(os.Stdin, os.Stdout, 4)
	ctx := context.Background()
	errc := make(chan error, 1)
	go func() { errc <- child.Serve(ctx) }()

	routes := Routes{
		OpSetWeights: func(ctx context.Context, msg Message) error {
			return child.AddToRunQueue(ctx, Message{Op: OpFileCompleted, AgentID: 7, Version: msg.Version})
		},
	}
	for {
		ran, err := child.Inbox().PopAndRunNext(ctx, routes)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if ran {
			continue
		}
		select {
		case err := <-errc:
			if err != nil {
				return 1
			}
			// drain what arrived before the pipe closed
			for {
				ran, err := child.Inbox().PopAndRunNext(ctx, routes)
				if err != nil {
					return 1
				}
				if !ran {
					return 0
				}
			}
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRoutesDispatch(t *testing.T) {
	var got []int
	routes := Routes{
		OpFileCompleted: func(_ context.Context, msg Message) error {
			got = append(got, msg.AgentID)
			return nil
		},
	}

	require.NoError(t, routes.Dispatch(context.Background(), Message{Op: OpFileCompleted, AgentID: 2}))
	assert.Equal(t, []int{2}, got)

	err := routes.Dispatch(context.Background(), Message{Op: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestQueue(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()

	ran, err := q.PopAndRunNext(ctx, Routes{})
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, q.TryAddToRunQueue(Message{Op: OpSetWeights, Version: 1}))
	require.NoError(t, q.AddToRunQueue(ctx, Message{Op: OpSetWeights, Version: 2}))
	assert.ErrorIs(t, q.TryAddToRunQueue(Message{Op: OpSetWeights}), ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	blocked, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.AddToRunQueue(blocked, Message{}), context.DeadlineExceeded)

	var versions []int
	routes := Routes{OpSetWeights: func(_ context.Context, msg Message) error {
		versions = append(versions, msg.Version)
		return nil
	}}
	for {
		ran, err := q.PopAndRunNext(ctx, routes)
		require.NoError(t, err)
		if !ran {
			break
		}
	}
	assert.Equal(t, []int{1, 2}, versions)
	assert.Equal(t, 0, q.Len())
}

func TestQueuePropagatesHandlerError(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryAddToRunQueue(Message{Op: OpSetWeights}))

	boom := errors.New("boom")
	ran, err := q.PopAndRunNext(context.Background(), Routes{
		OpSetWeights: func(context.Context, Message) error { return boom },
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestLocalProcess(t *testing.T) {
	main := NewMain(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewLocal("agent-0", 2, main, func(ctx context.Context, inbox Inbox, parent Sender) error {
		routes := Routes{OpSetWeights: func(ctx context.Context, msg Message) error {
			return parent.AddToRunQueue(ctx, Message{Op: OpFileCompleted, AgentID: 0, Version: msg.Version})
		}}
		for {
			if _, err := inbox.PopAndRunNext(ctx, routes); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
		}
	})
	assert.Equal(t, "agent-0", p.Name())
	require.NoError(t, p.Run(ctx))
	assert.Error(t, p.Run(ctx))

	require.NoError(t, p.AddToRunQueue(ctx, Message{Op: OpSetWeights, Version: 3}))

	require.Eventually(t, func() bool { return main.Len() == 1 }, time.Second, time.Millisecond)
	msg, ok := main.TryGet()
	require.True(t, ok)
	assert.Equal(t, Message{Op: OpFileCompleted, Version: 3}, msg)

	cancel()
	require.NoError(t, p.Wait())
	assert.ErrorIs(t, p.TryAddToRunQueue(Message{}), ErrStopped)
	assert.ErrorIs(t, p.AddToRunQueue(context.Background(), Message{}), ErrStopped)
}

func TestLocalProcessPanic(t *testing.T) {
	p := NewLocal("agent-1", 1, NewMain(1), func(context.Context, Inbox, Sender) error {
		panic("device exploded")
	})
	require.NoError(t, p.Run(context.Background()))

	err := p.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device exploded")
}

func TestChild(t *testing.T) {
	in := strings.NewReader(`{"op":"set_weights","version":4,"weights":{"hits":{"dtype":"float64","shape":[1],"data":"AAAAAAAA8D8="}}}` + "\n")
	var out bytes.Buffer
	child := NewChild(in, &out, 2)

	require.NoError(t, child.Serve(context.Background()))

	var got Message
	ran, err := child.Inbox().PopAndRunNext(context.Background(), Routes{
		OpSetWeights: func(_ context.Context, msg Message) error {
			got = msg
			return nil
		},
	})
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, 4, got.Version)
	require.Contains(t, got.Weights, "hits")
	assert.Equal(t, 1.0, got.Weights["hits"].At(0))

	require.NoError(t, child.AddToRunQueue(context.Background(), Message{Op: OpFileCompleted, AgentID: 1, Version: 4}))
	assert.Equal(t, `{"op":"file_completed","agent_id":1,"version":4}`+"\n", out.String())
}

func TestChildRejectsGarbage(t *testing.T) {
	child := NewChild(strings.NewReader("not json\n"), io.Discard, 1)
	assert.Error(t, child.Serve(context.Background()))
}

func TestExecProcess(t *testing.T) {
	main := NewMain(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewExec("agent-7", ExecOptions{
		Binary:          os.Args[0],
		Args:            []string{"-test.run=^$"},
		Env:             []string{"TAPCRAWLER_TEST_CHILD=1"},
		QueueSize:       2,
		ShutdownTimeout: 5 * time.Second,
		Stderr:          io.Discard,
	}, main, zerolog.Nop())
	require.NoError(t, p.Run(ctx))

	weights := model.Weights{"hits": tensor.Scalar(tensor.Float64, 2)}
	require.NoError(t, p.AddToRunQueue(ctx, Message{Op: OpSetWeights, Version: 5, Weights: weights}))

	require.Eventually(t, func() bool { return main.Len() == 1 }, 10*time.Second, 5*time.Millisecond)
	msg, ok := main.TryGet()
	require.True(t, ok)
	assert.Equal(t, Message{Op: OpFileCompleted, AgentID: 7, Version: 5}, msg)

	cancel()
	require.NoError(t, p.Wait())
	assert.ErrorIs(t, p.TryAddToRunQueue(Message{}), ErrStopped)
}

func TestExecProcessMissingBinary(t *testing.T) {
	p := NewExec("agent-x", ExecOptions{Binary: "/nonexistent/tapcrawler"}, NewMain(1), zerolog.Nop())
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, p.Wait(), err)
}
