// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice model that accepts raw audio input
// and returns synthesised audio output over a single, stateful, persistent
// connection. Gemini Live is the reference backend.
//
// The central abstraction is SessionHandle: a bidirectional, multiplexed
// session that carries audio, transcripts and tool calls concurrently.
// Sessions are long-lived (seconds to minutes).
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
)

// ErrSessionClosed is returned by send methods once the session is closed.
var ErrSessionClosed = errors.New("s2s: session closed")

// ToolCallHandler receives the calls of one inbound tool-call message, in
// arrival order. It runs on the session's receive goroutine and must not
// block: long-running work belongs on another goroutine, with the result
// delivered through [SessionHandle.SendToolResponse].
type ToolCallHandler func(calls []types.ToolCall)

// TurnSignal is a session-level signal about the model's turn.
type TurnSignal int

const (
	// TurnComplete marks the end of a model turn.
	TurnComplete TurnSignal = iota

	// TurnInterrupted means the server stopped generating because it
	// detected user speech. Locally buffered model audio is now stale.
	TurnInterrupted
)

// String returns the signal name.
func (t TurnSignal) String() string {
	switch t {
	case TurnComplete:
		return "turn_complete"
	case TurnInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// ToolResponse answers one tool call.
type ToolResponse struct {
	// ID is the identifier of the call being answered.
	ID string

	// Name is the called tool's name.
	Name string

	// Response is the JSON object returned to the model, typically
	// {"result": ...} or {"error": "..."}.
	Response map[string]any
}

// SessionConfig is the configuration for a new S2S session. The handlers
// are installed before the first message is read, so no early event is lost.
type SessionConfig struct {
	// Credential authenticates the session. Empty falls back to the
	// provider's configured key.
	Credential string

	// Voice selects the synthesised voice.
	Voice types.VoiceProfile

	// Instructions is the system instruction for the model.
	Instructions string

	// Tools are declared to the model at setup.
	Tools []types.ToolDefinition

	// OnToolCall receives tool-call requests. Nil drops them.
	OnToolCall ToolCallHandler

	// OnTurn receives turn signals. Nil ignores them.
	OnTurn func(TurnSignal)

	// OnError receives non-fatal errors reported by the remote service.
	OnError func(error)
}

// Capabilities describes static properties of the S2S provider.
type Capabilities struct {
	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// InputFormat is the audio format SendAudio expects.
	InputFormat audio.Format

	// OutputFormat is the nominal format of chunks on Audio.
	OutputFormat audio.Format

	// Voices lists the voice profiles available for this provider.
	Voices []types.VoiceProfile
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one PCM16 chunk in [Capabilities.InputFormat]. It
	// may block on transport backpressure. Returns [ErrSessionClosed] after
	// Close.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendToolResponse answers one or more tool calls. Returns
	// [ErrSessionClosed] after Close.
	SendToolResponse(ctx context.Context, responses ...ToolResponse) error

	// Audio emits the model's synthesised speech in arrival order. The
	// channel is closed when the session ends. Consumers must drain it
	// promptly. Each chunk's Turn counts the OnTurn signals delivered
	// before it, so a consumer can tell chunks still buffered from an
	// interrupted turn apart from the next turn's audio.
	Audio() <-chan audio.Chunk

	// Transcripts emits transcription and text parts for both sides of the
	// conversation. The channel is closed when the session ends.
	Transcripts() <-chan types.TranscriptEntry

	// Done is closed once the session has ended for any reason and both
	// channels are closed.
	Done() <-chan struct{}

	// Err returns the error that ended the session, or nil if it ended
	// cleanly (local Close or a normal remote close).
	Err() error

	// Close terminates the session. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens the transport and sends the session setup. The returned
	// SessionHandle is ready to accept audio immediately.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
