package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/types"
)

var inputMIMEType = fmt.Sprintf("audio/pcm;rate=%d", audio.InputSampleRate)

type session struct {
	conn        *websocket.Conn
	log         *slog.Logger
	audioCh     chan audio.Chunk
	transcripts chan types.TranscriptEntry

	onToolCall s2s.ToolCallHandler
	onTurn     func(s2s.TurnSignal)
	onError    func(error)
	turns      uint64 // signals delivered; receive loop only

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns audioCh and transcripts: it closes both, then done, when it exits.
func (s *session) receiveLoop() {
	defer close(s.done)
	defer close(s.transcripts)
	defer close(s.audioCh)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Local close or a normal remote close ends the session cleanly.
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.log.Debug("gemini: remote closed session", "err", err)
				return
			}
			s.setErr(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("gemini: skipping malformed message", "bytes", len(data), "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage dispatches one message. It returns false once the
// session context is cancelled mid-dispatch.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.SetupComplete != nil {
		s.log.Debug("gemini: setup complete")
	}
	if msg.Error != nil {
		s.handleError(msg.Error)
	}
	if msg.ServerContent != nil {
		if !s.handleServerContent(msg.ServerContent) {
			return false
		}
	}
	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}
	if msg.ToolCallCancellation != nil {
		s.log.Debug("gemini: server cancelled tool calls", "ids", msg.ToolCallCancellation.IDs)
	}
	return true
}

func (s *session) handleError(ge *geminiError) {
	msg := "unknown error"
	if ge.Message != "" {
		msg = ge.Message
	}
	err := fmt.Errorf("gemini: server error %d %s: %s", ge.Code, ge.Status, msg)
	if s.onError == nil {
		s.log.Warn("gemini: server reported error", "err", err)
		return
	}
	s.onError(err)
}

func (s *session) handleServerContent(sc *serverContent) bool {
	// Interrupted must reach the consumer before any audio of the next turn.
	if sc.Interrupted {
		s.signal(s2s.TurnInterrupted)
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				if !s.emitAudio(p.InlineData) {
					return false
				}
			}
			if p.Text != "" {
				if !s.emitTranscript(types.RoleModel, p.Text) {
					return false
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emitTranscript(types.RoleUser, sc.InputTranscription.Text) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emitTranscript(types.RoleModel, sc.OutputTranscription.Text) {
			return false
		}
	}

	if sc.TurnComplete {
		s.signal(s2s.TurnComplete)
	}
	return true
}

func (s *session) emitAudio(d *inlineData) bool {
	rate, ok := parsePCMRate(d.MIMEType)
	if !ok {
		s.log.Debug("gemini: ignoring non-PCM inline data", "mime_type", d.MIMEType)
		return true
	}
	pcm, err := audio.FromTransportText(d.Data)
	if err != nil {
		s.log.Warn("gemini: skipping undecodable audio part", "mime_type", d.MIMEType, "err", err)
		return true
	}
	if len(pcm) == 0 {
		return true
	}
	chunk := audio.Chunk{Data: pcm, Format: audio.Format{SampleRate: rate, Channels: 1}, Turn: s.turns}
	select {
	case s.audioCh <- chunk:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) emitTranscript(role types.Role, text string) bool {
	entry := types.TranscriptEntry{Role: role, Text: text, Timestamp: time.Now()}
	select {
	case s.transcripts <- entry:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) signal(sig s2s.TurnSignal) {
	s.turns++
	if s.onTurn != nil {
		s.onTurn(sig)
	}
}

func (s *session) handleToolCall(tc *toolCallMsg) {
	if len(tc.FunctionCalls) == 0 {
		return
	}
	if s.onToolCall == nil {
		s.log.Warn("gemini: tool call received without a handler", "calls", len(tc.FunctionCalls))
		return
	}
	calls := make([]types.ToolCall, len(tc.FunctionCalls))
	for i, fc := range tc.FunctionCalls {
		calls[i] = types.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
	}
	s.onToolCall(calls)
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the model.
func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: inputMIMEType, Data: audio.ToTransportText(pcm)},
			},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// SendToolResponse answers tool calls, one functionResponse per response.
func (s *session) SendToolResponse(ctx context.Context, responses ...s2s.ToolResponse) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	if len(responses) == 0 {
		return nil
	}
	frs := make([]functionResponse, len(responses))
	for i, r := range responses {
		resp := r.Response
		if resp == nil {
			resp = map[string]any{}
		}
		frs[i] = functionResponse{ID: r.ID, Name: r.Name, Response: resp}
	}
	msg := toolResponseMessage{ToolResponse: toolResponse{FunctionResponses: frs}}
	if err := s.writeJSON(ctx, msg); err != nil {
		if s.isClosed() {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("gemini: send tool response: %w", err)
	}
	return nil
}

// Audio returns the channel on which the model's synthesised audio arrives.
func (s *session) Audio() <-chan audio.Chunk { return s.audioCh }

// Transcripts returns the channel on which transcript entries arrive.
func (s *session) Transcripts() <-chan types.TranscriptEntry { return s.transcripts }

// Done is closed when the receive loop has exited.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop and keepaliveLoop
	err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("gemini: close handshake incomplete", "err", err)
	}
	return nil
}
