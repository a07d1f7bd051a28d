// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Each Connect creates a fresh Session bound to the SessionConfig it was
// given, so tests can play the remote side:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.PushAudio(audio.Chunk{Data: pcm})
//	sess.ToolCall(types.ToolCall{ID: "1", Name: "lookup"})
//	sess.End(nil) // remote closed normally
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/types"
)

// Ensure the mocks implement the s2s interfaces at compile time.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectBlock, if non-nil, makes Connect wait until it is closed or
	// the context is cancelled.
	ConnectBlock chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns a new Session, or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block, connErr := p.ConnectBlock, p.ConnectErr
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connErr != nil {
		return nil, connErr
	}

	sess := NewSession(cfg)
	p.mu.Lock()
	p.sessions = append(p.sessions, sess)
	p.mu.Unlock()
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Sessions returns every session created so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.sessions)
}

// ── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of s2s.SessionHandle. The Push and
// signal methods act as the remote service.
type Session struct {
	cfg s2s.SessionConfig

	audioCh       chan audio.Chunk
	transcriptsCh chan types.TranscriptEntry
	done          chan struct{}
	endOnce       sync.Once

	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendToolResponseErr, if non-nil, is returned by every
	// SendToolResponse call.
	SendToolResponseErr error

	ended      bool
	closed     bool
	err        error
	closeCount int
	turns      uint64
	sentAudio  [][]byte
	responses  []s2s.ToolResponse
	notify     chan struct{}
}

// NewSession returns a live Session bound to cfg's handlers.
func NewSession(cfg s2s.SessionConfig) *Session {
	return &Session{
		cfg:           cfg,
		audioCh:       make(chan audio.Chunk, 64),
		transcriptsCh: make(chan types.TranscriptEntry, 16),
		done:          make(chan struct{}),
		notify:        make(chan struct{}, 1),
	}
}

// Config returns the SessionConfig the session was created with.
func (s *Session) Config() s2s.SessionConfig { return s.cfg }

// SendAudio records a copy of pcm.
func (s *Session) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.sentAudio = append(s.sentAudio, slices.Clone(pcm))
	s.poke()
	return nil
}

// SendToolResponse records the responses.
func (s *Session) SendToolResponse(_ context.Context, responses ...s2s.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendToolResponseErr != nil {
		return s.SendToolResponseErr
	}
	s.responses = append(s.responses, responses...)
	s.poke()
	return nil
}

// poke wakes a Changed waiter. Caller holds mu.
func (s *Session) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Changed fires after a send was recorded. Tests use it to wait for
// asynchronous sends without sleeping.
func (s *Session) Changed() <-chan struct{} { return s.notify }

// Audio returns the model audio channel.
func (s *Session) Audio() <-chan audio.Chunk { return s.audioCh }

// Transcripts returns the transcript channel.
func (s *Session) Transcripts() <-chan types.TranscriptEntry { return s.transcriptsCh }

// Done is closed once the session ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error passed to End, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session cleanly. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.closed = true
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// End simulates the remote side terminating the session with err (nil for
// a normal close). Channels are closed exactly once.
func (s *Session) End(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		s.err = err
		close(s.audioCh)
		close(s.transcriptsCh)
		s.mu.Unlock()
		close(s.done)
	})
}

// PushAudio delivers a model audio chunk stamped with the current turn. It
// returns false if the session has ended or the buffer is full.
func (s *Session) PushAudio(chunk audio.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	chunk.Turn = s.turns
	select {
	case s.audioCh <- chunk:
		return true
	default:
		return false
	}
}

// PushTranscript delivers a transcript entry. It returns false if the
// session has ended or the buffer is full.
func (s *Session) PushTranscript(e types.TranscriptEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.transcriptsCh <- e:
		return true
	default:
		return false
	}
}

// ToolCall invokes the configured OnToolCall handler synchronously.
func (s *Session) ToolCall(calls ...types.ToolCall) {
	if s.cfg.OnToolCall != nil {
		s.cfg.OnToolCall(calls)
	}
}

// Turn invokes the configured OnTurn handler synchronously. Audio pushed
// afterwards belongs to the next turn.
func (s *Session) Turn(sig s2s.TurnSignal) {
	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
	if s.cfg.OnTurn != nil {
		s.cfg.OnTurn(sig)
	}
}

// ServerError invokes the configured OnError handler synchronously.
func (s *Session) ServerError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// SentAudio returns copies of every chunk passed to SendAudio.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sentAudio)
}

// ToolResponses returns every response passed to SendToolResponse.
func (s *Session) ToolResponses() []s2s.ToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.responses)
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}
