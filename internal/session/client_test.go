package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	s2smock "github.com/MrWong99/parley/pkg/provider/s2s/mock"
	"github.com/MrWong99/parley/pkg/provider/vad"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
	"github.com/MrWong99/parley/pkg/types"
)

const frameSize = 160

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	provider *s2smock.Provider
	mic      *audiomock.InputDevice
	speaker  *audiomock.OutputDevice
	detector *vadmock.Session
	client   *session.Client

	states      chan session.State
	transcripts chan types.TranscriptEntry

	mu      sync.Mutex
	volumes []float64
}

func newHarness(t *testing.T, opts ...session.Option) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := &harness{
		provider:    &s2smock.Provider{},
		mic:         &audiomock.InputDevice{},
		speaker:     &audiomock.OutputDevice{},
		detector:    &vadmock.Session{EventResult: vad.VADEvent{Type: vad.VADSilence}},
		states:      make(chan session.State, 64),
		transcripts: make(chan types.TranscriptEntry, 64),
	}
	base := []session.Option{
		session.WithConfig(session.Config{
			Voice:   types.VoiceProfile{ID: "Puck", Language: "en-US"},
			Capture: capture.Config{FrameSize: frameSize},
		}),
		session.WithVAD(&vadmock.Engine{Session: h.detector}),
		session.WithMetrics(metrics),
		session.WithStatusCallback(func(s session.State) { h.states <- s }),
		session.WithTranscriptCallback(func(e types.TranscriptEntry) { h.transcripts <- e }),
		session.WithVolumeCallback(func(v float64) {
			h.mu.Lock()
			h.volumes = append(h.volumes, v)
			h.mu.Unlock()
		}),
	}
	h.client = session.New(h.provider, h.mic, h.speaker, append(base, opts...)...)
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

func (h *harness) connect(t *testing.T) *s2smock.Session {
	t.Helper()
	if err := h.client.Connect(context.Background(), "key", "be brief"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := h.provider.LastSession()
	if sess == nil {
		t.Fatal("provider created no session")
	}
	return sess
}

func (h *harness) expectStates(t *testing.T, want ...session.State) {
	t.Helper()
	for i, w := range want {
		select {
		case got := <-h.states:
			if got != w {
				t.Fatalf("status[%d] = %s, want %s", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for status[%d] = %s", i, w)
		}
	}
}

func (h *harness) expectNoState(t *testing.T) {
	t.Helper()
	select {
	case s := <-h.states:
		t.Fatalf("unexpected status %s", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) nextTranscript(t *testing.T) types.TranscriptEntry {
	t.Helper()
	select {
	case e := <-h.transcripts:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript entry")
		return types.TranscriptEntry{}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func tone(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func resets(d *audiomock.OutputDevice) int {
	_, r, _ := d.Counts()
	return r
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestClient_ConnectAndDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.client.RegisterTool(types.ToolDefinition{Name: "lookup"}, func(context.Context, map[string]any) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	sess := h.connect(t)
	h.expectStates(t, session.StateConnecting, session.StateConnected)
	if got := h.client.State(); got != session.StateConnected {
		t.Fatalf("State() = %s, want connected", got)
	}

	cfg := sess.Config()
	if cfg.Credential != "key" || cfg.Instructions != "be brief" {
		t.Errorf("config credential/instructions = %q/%q", cfg.Credential, cfg.Instructions)
	}
	if cfg.Voice.ID != "Puck" {
		t.Errorf("voice = %q, want Puck", cfg.Voice.ID)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "lookup" {
		t.Errorf("tools = %+v, want [lookup]", cfg.Tools)
	}
	if !h.mic.IsOpen() {
		t.Error("microphone not open")
	}
	if open, _, _ := h.speaker.Counts(); open != 1 {
		t.Errorf("speaker opened %d times, want 1", open)
	}

	h.client.Disconnect()
	h.expectStates(t, session.StateDisconnected)
	if sess.CloseCount() != 1 {
		t.Errorf("session closed %d times, want 1", sess.CloseCount())
	}
	if h.mic.IsOpen() {
		t.Error("microphone still open after Disconnect")
	}
	if _, _, closed := h.speaker.Counts(); closed != 1 {
		t.Errorf("speaker closed %d times, want 1", closed)
	}

	h.client.Disconnect()
	h.expectNoState(t)
	if sess.CloseCount() != 1 {
		t.Errorf("second Disconnect closed the session again")
	}
}

func TestClient_ReconnectReplacesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	first := h.connect(t)
	second := h.connect(t)
	h.expectStates(t,
		session.StateConnecting, session.StateConnected,
		session.StateDisconnected, session.StateConnecting, session.StateConnected,
	)
	if first == second {
		t.Fatal("reconnect reused the old session")
	}
	if first.CloseCount() != 1 {
		t.Errorf("old session closed %d times, want 1", first.CloseCount())
	}
	if second.CloseCount() != 0 {
		t.Errorf("new session closed %d times, want 0", second.CloseCount())
	}
	if !h.mic.IsOpen() {
		t.Error("microphone not reopened for the new session")
	}
}

func TestClient_ConnectFailureMovesToError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.provider.ConnectErr = errors.New("handshake refused")

	err := h.client.Connect(context.Background(), "key", "")
	if err == nil || !strings.Contains(err.Error(), "handshake refused") {
		t.Fatalf("Connect error = %v, want handshake refused", err)
	}
	h.expectStates(t, session.StateConnecting, session.StateError)
	if h.mic.IsOpen() {
		t.Error("microphone opened despite failed connect")
	}
	if open, _, _ := h.speaker.Counts(); open != 0 {
		t.Errorf("speaker opened %d times, want 0", open)
	}

	// Connect is allowed again from the error state.
	h.provider.ConnectErr = nil
	h.connect(t)
	h.expectStates(t, session.StateConnecting, session.StateConnected)
}

func TestClient_DeviceFailureMovesToError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mic.OpenError = errors.New("no microphone")

	err := h.client.Connect(context.Background(), "key", "")
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Connect error = %v, want ErrDeviceUnavailable", err)
	}
	h.expectStates(t, session.StateConnecting, session.StateConnected, session.StateError)

	sess := h.provider.LastSession()
	if sess.CloseCount() != 1 {
		t.Errorf("session closed %d times, want 1", sess.CloseCount())
	}
	if _, _, closed := h.speaker.Counts(); closed != 1 {
		t.Errorf("speaker closed %d times, want 1", closed)
	}
	e := h.nextTranscript(t)
	if e.Role != types.RoleSystem || !strings.Contains(e.Text, "no microphone") {
		t.Errorf("diagnostic = %+v", e)
	}
}

func TestClient_DisconnectAbortsPendingConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.provider.ConnectBlock = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.client.Connect(context.Background(), "key", "") }()
	eventually(t, "dial to start", func() bool { return h.provider.ConnectCount() == 1 })

	h.client.Disconnect()
	select {
	case err := <-errc:
		if !errors.Is(err, session.ErrAborted) {
			t.Fatalf("Connect error = %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	h.expectStates(t, session.StateConnecting, session.StateDisconnected)
	if got := h.client.State(); got != session.StateDisconnected {
		t.Fatalf("State() = %s, want disconnected", got)
	}
}

func TestClient_RemoteCloseMovesToDisconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.connect(t)
	h.expectStates(t, session.StateConnecting, session.StateConnected)

	sess.End(nil)
	h.expectStates(t, session.StateDisconnected)
	eventually(t, "microphone to close", func() bool { return !h.mic.IsOpen() })
}

func TestClient_TransportErrorMovesToError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.connect(t)
	h.expectStates(t, session.StateConnecting, session.StateConnected)

	sess.End(errors.New("connection reset by peer"))
	h.expectStates(t, session.StateError)
	e := h.nextTranscript(t)
	if e.Role != types.RoleSystem || !strings.Contains(e.Text, "connection reset") {
		t.Errorf("diagnostic = %+v", e)
	}
	eventually(t, "microphone to close", func() bool { return !h.mic.IsOpen() })

	h.client.Disconnect()
	h.expectStates(t, session.StateDisconnected)
}

func TestClient_CloseRejectsConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)
	if err := h.client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.client.Connect(context.Background(), "key", ""); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestClient_CallbacksMayCallBack(t *testing.T) {
	t.Parallel()
	var (
		c    *session.Client
		seen = make(chan session.State, 8)
	)
	p := &s2smock.Provider{}
	c = session.New(p, &audiomock.InputDevice{}, &audiomock.OutputDevice{},
		session.WithVAD(&vadmock.Engine{Session: &vadmock.Session{EventResult: vad.VADEvent{Type: vad.VADSilence}}}),
		session.WithStatusCallback(func(session.State) { seen <- c.State() }),
	)
	defer c.Close()

	if err := c.Connect(context.Background(), "key", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	eventually(t, "status callbacks", func() bool { return len(seen) >= 2 })
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func TestClient_MicrophoneFramesStreamToModel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.connect(t)

	if !h.mic.Push(tone(2*frameSize, 0.25)) {
		t.Fatal("Push rejected")
	}
	eventually(t, "two frames sent", func() bool { return len(sess.SentAudio()) >= 2 })

	for i, pcm := range sess.SentAudio() {
		if len(pcm) != frameSize*2 {
			t.Errorf("frame %d is %d bytes, want %d", i, len(pcm), frameSize*2)
		}
	}
	eventually(t, "volume updates", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.volumes) >= 2
	})
}

func TestClient_ModelAudioIsScheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.connect(t)

	pcm := audio.EncodePCM16(tone(480, 0.5))
	if !sess.PushAudio(audio.Chunk{Data: pcm, Format: audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1}}) {
		t.Fatal("PushAudio rejected")
	}
	eventually(t, "model audio on the speaker", func() bool {
		out := h.speaker.Pull(120)
		for _, b := range out {
			if b != 0 {
				return true
			}
		}
		return false
	})
}

func TestClient_LocalSpeechInterruptsPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.detector.Events = []vad.VADEvent{{Type: vad.VADSpeechStart, RMS: 0.3}}
	h.connect(t)

	before := resets(h.speaker)
	h.mic.Push(tone(frameSize, 0.3))
	eventually(t, "barge-in reset", func() bool { return resets(h.speaker) > before })

	if got := h.client.State(); got != session.StateConnected {
		t.Fatalf("barge-in changed state to %s", got)
	}
}

func TestClient_ServerInterruptFlushesPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.connect(t)

	before := resets(h.speaker)
	sess.Turn(s2s.TurnInterrupted)
	if got := resets(h.speaker); got != before+1 {
		t.Fatalf("resets = %d, want %d", got, before+1)
	}
	sess.Turn(s2s.TurnComplete)
	if got := resets(h.speaker); got != before+1 {
		t.Fatalf("turn complete reset the speaker")
	}
}

func TestClient_ServerInterruptDropsBufferedAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.connect(t)

	format := audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1}
	stale := audio.EncodePCM16(tone(480, 0.5))
	for range 32 {
		if !sess.PushAudio(audio.Chunk{Data: stale, Format: format}) {
			break
		}
	}
	sess.Turn(s2s.TurnInterrupted)
	if !sess.PushAudio(audio.Chunk{Data: audio.EncodePCM16(tone(480, -0.25)), Format: format}) {
		t.Fatal("PushAudio rejected")
	}

	eventually(t, "next turn on the speaker", func() bool {
		samples, err := audio.DecodePCM16(h.speaker.Pull(480))
		if err != nil {
			t.Fatalf("decode speaker output: %v", err)
		}
		next := false
		for _, v := range samples {
			if v > 0.1 {
				t.Fatalf("interrupted turn played after the interrupt: sample %v", v)
			}
			if v < -0.2 {
				next = true
			}
		}
		return next
	})
}

// ── Transcripts and tools ────────────────────────────────────────────────────

func TestClient_TranscriptsForwarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.connect(t)

	sess.PushTranscript(types.TranscriptEntry{Role: types.RoleUser, Text: "hello"})
	sess.PushTranscript(types.TranscriptEntry{Role: types.RoleModel, Text: "hi there"})

	if e := h.nextTranscript(t); e.Role != types.RoleUser || e.Text != "hello" {
		t.Errorf("first entry = %+v", e)
	}
	if e := h.nextTranscript(t); e.Role != types.RoleModel || e.Text != "hi there" {
		t.Errorf("second entry = %+v", e)
	}
}

func TestClient_ServerErrorSurfacesDiagnostic(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.connect(t)

	sess.ServerError(errors.New("quota exceeded"))
	e := h.nextTranscript(t)
	if e.Role != types.RoleSystem || !strings.Contains(e.Text, "quota exceeded") {
		t.Errorf("diagnostic = %+v", e)
	}
	if got := h.client.State(); got != session.StateConnected {
		t.Errorf("State() = %s, want connected", got)
	}
}

func TestClient_ToolCallAnsweredById(t *testing.T) {
	t.Parallel()
	r := tools.NewRegistry()
	if err := r.Register(types.ToolDefinition{Name: "add"}, func(_ context.Context, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h := newHarness(t, session.WithRegistry(r))
	sess := h.connect(t)

	sess.ToolCall(types.ToolCall{ID: "call-7", Name: "add", Args: map[string]any{"a": 2.0, "b": 3.0}})
	eventually(t, "tool response", func() bool { return len(sess.ToolResponses()) == 1 })

	resp := sess.ToolResponses()[0]
	if resp.ID != "call-7" || resp.Name != "add" {
		t.Errorf("response = %+v", resp)
	}
	if got := resp.Response["result"]; got != 5.0 {
		t.Errorf("result = %v, want 5", got)
	}
	e := h.nextTranscript(t)
	if e.Role != types.RoleSystem || !strings.Contains(e.Text, "add") {
		t.Errorf("invocation notice = %+v", e)
	}
}

func TestClient_UnknownToolDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.client.RegisterTool(types.ToolDefinition{Name: "ping"}, func(context.Context, map[string]any) (any, error) {
		return "pong", nil
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	sess := h.connect(t)

	sess.ToolCall(
		types.ToolCall{ID: "1", Name: "nope"},
		types.ToolCall{ID: "2", Name: "ping"},
	)
	eventually(t, "known tool response", func() bool { return len(sess.ToolResponses()) >= 1 })
	time.Sleep(20 * time.Millisecond)

	resps := sess.ToolResponses()
	if len(resps) != 1 || resps[0].ID != "2" {
		t.Fatalf("responses = %+v, want only call 2", resps)
	}

	var diagnostics int
	for range 2 {
		e := h.nextTranscript(t)
		if strings.Contains(e.Text, "nope") {
			diagnostics++
		}
	}
	if diagnostics != 1 {
		t.Errorf("unknown tool diagnostics = %d, want 1", diagnostics)
	}
}

func TestClient_ReportUnknownTools(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithReportUnknownTools(true))
	sess := h.connect(t)

	sess.ToolCall(types.ToolCall{ID: "x", Name: "missing"})
	eventually(t, "error response", func() bool { return len(sess.ToolResponses()) == 1 })
	if got := sess.ToolResponses()[0].Response["error"]; got == nil {
		t.Errorf("response = %+v, want error field", sess.ToolResponses()[0].Response)
	}

	h.client.SetReportUnknownTools(false)
	sess.ToolCall(types.ToolCall{ID: "y", Name: "missing"})
	time.Sleep(20 * time.Millisecond)
	if n := len(sess.ToolResponses()); n != 1 {
		t.Errorf("responses after disabling = %d, want 1", n)
	}
}
