// Package session drives one live voice conversation at a time.
//
// A [Client] ties the pieces together: it dials the speech-to-speech
// provider, declares the registered tools, streams microphone frames from
// the capture engine to the model, schedules the model's audio on the
// playback scheduler, and answers tool calls through the tool bridge. Its
// connection state follows the total transition function [Transition].
//
// Host callbacks (status, transcript, volume) run sequentially on a single
// notifier goroutine, never on audio or network threads, so they may call
// back into the Client.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
	"github.com/MrWong99/parley/pkg/types"
)

var (
	// ErrAborted is returned by Connect when a concurrent Connect or
	// Disconnect superseded it.
	ErrAborted = errors.New("session: connect aborted")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("session: client closed")
)

// Config holds the per-session audio and voice settings.
type Config struct {
	// Voice selects the model's voice and language.
	Voice types.VoiceProfile

	// Capture configures the microphone stream.
	Capture capture.Config

	// VAD configures barge-in detection.
	VAD vad.Config

	// OutputBuffer is the output device's buffer length. Zero uses the
	// scheduler default.
	OutputBuffer time.Duration
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithConfig sets the session configuration.
func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithStatusCallback receives every state change.
func WithStatusCallback(fn func(State)) Option {
	return func(c *Client) { c.onStatus = fn }
}

// WithTranscriptCallback receives transcript lines for both speakers and
// system notices (tool invocations, diagnostics) tagged by role.
func WithTranscriptCallback(fn func(types.TranscriptEntry)) Option {
	return func(c *Client) { c.onTranscript = fn }
}

// WithVolumeCallback receives the display volume of every captured frame.
func WithVolumeCallback(fn func(level float64)) Option {
	return func(c *Client) { c.onVolume = fn }
}

// WithRegistry sets the tool registry. Default is an empty registry.
func WithRegistry(r *tools.Registry) Option {
	return func(c *Client) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithVAD sets the voice activity detection engine. Default energy.New().
func WithVAD(e vad.Engine) Option {
	return func(c *Client) {
		if e != nil {
			c.vadEngine = e
		}
	}
}

// WithReportUnknownTools answers calls to unregistered tools with an error
// response instead of dropping them.
func WithReportUnknownTools(enabled bool) Option {
	return func(c *Client) { c.reportUnknown = enabled }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metric instruments. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client manages the lifecycle of one voice session at a time. It is safe
// for concurrent use.
type Client struct {
	provider s2s.Provider
	input    audio.InputDevice
	output   audio.OutputDevice

	cfg           Config
	registry      *tools.Registry
	bridge        *tools.Bridge
	vadEngine     vad.Engine
	reportUnknown bool
	log           *slog.Logger
	metrics       *observe.Metrics

	onStatus     func(State)
	onTranscript func(types.TranscriptEntry)
	onVolume     func(float64)
	notify       *notifier

	mu     sync.Mutex
	state  State
	active *activeSession
	closed bool
}

// New returns a Client in [StateDisconnected] using provider for the
// conversation and the given devices for audio.
func New(provider s2s.Provider, input audio.InputDevice, output audio.OutputDevice, opts ...Option) *Client {
	c := &Client{
		provider:  provider,
		input:     input,
		output:    output,
		registry:  tools.NewRegistry(),
		vadEngine: energy.New(),
		log:       slog.Default(),
		notify:    newNotifier(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.bridge = tools.NewBridge(c.registry,
		tools.WithLogger(c.log),
		tools.WithMetrics(c.metrics),
		tools.WithNotifier(c.transcript),
		tools.WithReportUnknown(c.reportUnknown),
	)
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RegisterTool adds a tool to the registry. Tools are declared to the model
// at setup, so a tool registered mid-session is offered from the next
// Connect on.
func (c *Client) RegisterTool(def types.ToolDefinition, h tools.Handler) error {
	return c.registry.Register(def, h)
}

// Registry returns the client's tool registry.
func (c *Client) Registry() *tools.Registry { return c.registry }

// SetReportUnknownTools toggles [WithReportUnknownTools] at runtime.
func (c *Client) SetReportUnknownTools(enabled bool) {
	c.bridge.SetReportUnknown(enabled)
}

// Connect opens a new session. An existing session is disconnected first.
// On return with a nil error the client is connected and audio flows; on
// error the client is in [StateError] (or untouched, for [ErrAborted]) and
// every resource acquired for the attempt is released.
func (c *Client) Connect(ctx context.Context, credential, instruction string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.active
	if old != nil {
		c.active = nil
		c.applyLocked(EventDisconnect)
	}
	as := c.newActiveSession(ctx)
	c.active = as
	c.applyLocked(EventConnect)
	c.mu.Unlock()

	if old != nil {
		old.teardown()
	}

	// Dialing honours both the caller's ctx and a concurrent Disconnect.
	dialCtx, cancelDial := context.WithCancel(observe.WithSessionID(ctx, as.id))
	defer cancelDial()
	stop := context.AfterFunc(as.ctx, cancelDial)
	defer stop()

	ctx, span := observe.StartSpan(dialCtx, "session.connect",
		trace.WithAttributes(attribute.Int("tools", c.registry.Len())),
	)
	defer span.End()
	log := observe.LoggerFrom(ctx, c.log)

	start := time.Now()
	handle, err := c.provider.Connect(ctx, s2s.SessionConfig{
		Credential:   credential,
		Voice:        c.cfg.Voice,
		Instructions: instruction,
		Tools:        c.registry.Definitions(),
		OnToolCall:   as.onToolCall,
		OnTurn:       as.onTurn,
		OnError:      as.onError,
	})
	as.setHandle(handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !c.end(as, EventTransportError) {
			return ErrAborted
		}
		log.Warn("session: connect failed", "err", err)
		return fmt.Errorf("session: connect: %w", err)
	}

	c.mu.Lock()
	if c.active != as {
		c.mu.Unlock()
		as.teardown()
		return ErrAborted
	}
	c.applyLocked(EventOpen)
	c.mu.Unlock()

	if err := as.startAudio(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !c.end(as, EventDeviceError) {
			return ErrAborted
		}
		log.Warn("session: audio device failed", "err", err)
		c.transcript(systemEntry("audio device unavailable: " + err.Error()))
		return fmt.Errorf("session: start audio: %w", err)
	}

	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	log.Info("session connected", "model_tools", c.registry.Len())
	return nil
}

// Disconnect ends the current session, if any, and moves to
// [StateDisconnected]. It is safe from any state and idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	as := c.active
	c.active = nil
	c.applyLocked(EventDisconnect)
	c.mu.Unlock()

	if as != nil {
		as.teardown()
		c.log.Info("session disconnected", "session_id", as.id)
	}
}

// Close disconnects, flushes pending callbacks and releases the client. It
// must not be called from a callback.
func (c *Client) Close() error {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.notify.close()
	return nil
}

// end retires as with ev if it is still the active session and tears it
// down. It reports whether as was active.
func (c *Client) end(as *activeSession, ev Event) bool {
	c.mu.Lock()
	current := c.active == as
	if current {
		c.active = nil
		c.applyLocked(ev)
	}
	c.mu.Unlock()
	as.teardown()
	return current
}

// applyLocked feeds ev to the state machine. c.mu must be held.
func (c *Client) applyLocked(ev Event) {
	from := c.state
	to := Transition(from, ev)
	if to == from {
		return
	}
	c.state = to
	c.metrics.RecordTransition(context.Background(), from.String(), to.String())
	c.log.Debug("session state", "from", from, "to", to, "event", ev)
	if c.onStatus != nil {
		fn := c.onStatus
		c.notify.post(func() { fn(to) })
	}
}

func (c *Client) transcript(e types.TranscriptEntry) {
	if c.onTranscript == nil {
		return
	}
	fn := c.onTranscript
	c.notify.post(func() { fn(e) })
}

func (c *Client) volume(level float64) {
	if c.onVolume == nil {
		return
	}
	fn := c.onVolume
	c.notify.post(func() { fn(level) })
}

func systemEntry(text string) types.TranscriptEntry {
	return types.TranscriptEntry{Role: types.RoleSystem, Text: text, Timestamp: time.Now()}
}
