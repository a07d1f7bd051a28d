package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/types"
)

// errToolNotFound is the error reported for unknown tools when
// [WithReportUnknown] is enabled.
var errToolNotFound = errors.New("tool not found")

// Responder sends tool responses back to the model. [s2s.SessionHandle]
// satisfies it.
type Responder interface {
	SendToolResponse(ctx context.Context, responses ...s2s.ToolResponse) error
}

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMetrics records tool call counts and durations.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithNotifier receives a [types.RoleSystem] transcript entry for every
// tool invocation and for every diagnostic about an unknown tool.
func WithNotifier(fn func(types.TranscriptEntry)) Option {
	return func(b *Bridge) { b.notify = fn }
}

// WithReportUnknown answers calls to unknown tools with
// {"error": "tool not found"} instead of dropping them.
func WithReportUnknown(enabled bool) Option {
	return func(b *Bridge) { b.reportUnknown.Store(enabled) }
}

// Bridge routes tool calls from the model to registered handlers and sends
// correlated responses back.
//
// Each known call runs on its own goroutine, so responses are sent in
// completion order. Handler contexts are detached from the dispatch
// context's cancellation: a handler always runs to completion, and its
// response send on an already closed session is a logged no-op.
//
// Bridge is safe for concurrent use.
type Bridge struct {
	registry      *Registry
	log           *slog.Logger
	metrics       *observe.Metrics
	notify        func(types.TranscriptEntry)
	reportUnknown atomic.Bool

	wg sync.WaitGroup
}

// NewBridge returns a Bridge dispatching into registry.
func NewBridge(registry *Registry, opts ...Option) *Bridge {
	b := &Bridge{
		registry: registry,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetReportUnknown toggles [WithReportUnknown] at runtime.
func (b *Bridge) SetReportUnknown(enabled bool) {
	b.reportUnknown.Store(enabled)
}

// Dispatch handles the calls of one tool-call message in arrival order. It
// never blocks on a handler.
func (b *Bridge) Dispatch(ctx context.Context, resp Responder, calls []types.ToolCall) {
	hctx := context.WithoutCancel(ctx)
	for _, call := range calls {
		tool, ok := b.registry.Lookup(call.Name)
		if !ok {
			b.unknown(hctx, resp, call)
			continue
		}
		b.emit(fmt.Sprintf("calling tool %s", call.Name))
		b.wg.Go(func() { b.run(hctx, resp, tool, call) })
	}
}

// Wait blocks until every dispatched handler has sent its response.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) unknown(ctx context.Context, resp Responder, call types.ToolCall) {
	b.log.Warn("tools: model called unknown tool", "tool", call.Name, "call_id", call.ID)
	b.emit(fmt.Sprintf("model requested unknown tool %q", call.Name))
	if b.metrics != nil {
		b.metrics.RecordToolCall(ctx, call.Name, "unknown")
	}
	if !b.reportUnknown.Load() {
		return
	}
	b.wg.Go(func() {
		b.send(ctx, resp, s2s.ToolResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: map[string]any{"error": errToolNotFound.Error()},
		})
	})
}

func (b *Bridge) run(ctx context.Context, resp Responder, tool Tool, call types.ToolCall) {
	ctx, span := observe.StartSpan(ctx, "tool "+call.Name,
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		),
	)
	defer span.End()

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	result, err := invoke(ctx, tool.Handler, args)
	elapsed := time.Since(start)

	status := "ok"
	response := map[string]any{"result": result}
	if err != nil {
		status = "error"
		response = map[string]any{"error": err.Error()}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.LoggerFrom(ctx, b.log).Info("tools: handler failed", "tool", call.Name, "call_id", call.ID, "err", err)
	}
	if b.metrics != nil {
		b.metrics.RecordToolCall(ctx, call.Name, status)
		b.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())
	}

	b.send(ctx, resp, s2s.ToolResponse{ID: call.ID, Name: call.Name, Response: response})
}

// invoke calls h, turning a panic into an error.
func invoke(ctx context.Context, h Handler, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return h(ctx, args)
}

func (b *Bridge) send(ctx context.Context, resp Responder, r s2s.ToolResponse) {
	err := resp.SendToolResponse(ctx, r)
	switch {
	case err == nil:
	case errors.Is(err, s2s.ErrSessionClosed):
		b.log.Debug("tools: session closed before response", "tool", r.Name, "call_id", r.ID)
	default:
		b.log.Warn("tools: failed to send response", "tool", r.Name, "call_id", r.ID, "err", err)
	}
}

func (b *Bridge) emit(text string) {
	if b.notify == nil {
		return
	}
	b.notify(types.TranscriptEntry{Role: types.RoleSystem, Text: text, Timestamp: time.Now()})
}
