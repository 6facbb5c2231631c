package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/tapcrawler/tapcrawler/internal/model"
	"github.com/tapcrawler/tapcrawler/internal/process"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
	"github.com/tapcrawler/tapcrawler/pkg/tracing"
)

// WeightsReceiver accepts new model weights.
type WeightsReceiver interface {
	UpdateWeights(w model.Weights) error
}

// Hooks run queued messages between episodes. Weights received through
// set_weights are staged and applied once the message was handled, so an
// episode is never played with two different models.
type Hooks struct {
	inbox    process.Inbox
	receiver WeightsReceiver
	routes   process.Routes
	logger   zerolog.Logger

	staged        model.Weights
	stagedVersion int
	ctx           context.Context
}

// NewHooks creates hooks reading from inbox.
func NewHooks(inbox process.Inbox, receiver WeightsReceiver, logger zerolog.Logger) *Hooks {
	h := &Hooks{
		inbox:    inbox,
		receiver: receiver,
		logger:   logger,
		ctx:      context.Background(),
	}
	h.routes = process.Routes{process.OpSetWeights: h.setWeights}
	return h
}

func (h *Hooks) setWeights(ctx context.Context, msg process.Message) error {
	ctx = tracing.Extract(ctx, msg.Trace)
	ctx, span := tracing.StartSpan(ctx, "worker.set_weights",
		tracing.WithSpanKind(trace.SpanKindConsumer),
		tracing.WithAttributes(tracing.AttrVersion.Int(msg.Version)))
	defer span.End()

	h.logger.Debug().
		Int("version", msg.Version).
		Str("trace_id", tracing.TraceID(ctx)).
		Str("span_id", tracing.SpanID(ctx)).
		Msg("Staged new weights")

	h.staged = msg.Weights
	h.stagedVersion = msg.Version
	return nil
}

// Poll runs at most one queued message and applies staged weights.
func (h *Hooks) Poll(ctx context.Context) error {
	h.ctx = ctx
	if _, err := h.inbox.PopAndRunNext(ctx, h.routes); err != nil {
		return fmt.Errorf("failed to run message: %w", err)
	}
	if h.staged == nil {
		return nil
	}
	w := h.staged
	h.staged = nil
	if err := h.receiver.UpdateWeights(w); err != nil {
		return err
	}
	h.logger.Info().Int("version", h.stagedVersion).Msg("Applied new weights")
	return nil
}

func (h *Hooks) OnEpisodeStart(tensor.Array) error { return nil }

func (h *Hooks) OnStateChange(_, _, _ tensor.Array, _ float64) error { return nil }

func (h *Hooks) OnEpisodeEnd(bool) error {
	return h.Poll(h.ctx)
}

func (h *Hooks) OnWait() error { return nil }

func (h *Hooks) OnError() {}
