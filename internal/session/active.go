package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/types"
)

// activeSession is everything acquired for one Connect. It is torn down
// exactly once, outside the client's lock.
type activeSession struct {
	c      *Client
	id     string
	ctx    context.Context // cancelled by teardown
	cancel context.CancelFunc
	log    *slog.Logger

	player *playback.Scheduler
	conv   audio.FormatConverter // used by pumpAudio only

	// playMu orders scheduling against server interrupts. Chunks whose
	// Turn is below staleBefore were produced before the last interrupt.
	playMu      sync.Mutex
	turns       uint64
	staleBefore uint64

	ready chan struct{} // closed once handle is set (possibly to nil)

	mu       sync.Mutex
	handle   s2s.SessionHandle
	capture  *capture.Engine
	detector vad.SessionHandle
	counted  bool
	tornDown bool

	wg       sync.WaitGroup
	tearOnce sync.Once
}

var _ tools.Responder = (*activeSession)(nil)

func (c *Client) newActiveSession(ctx context.Context) *activeSession {
	id := uuid.NewString()
	sctx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), id))
	as := &activeSession{
		c:      c,
		id:     id,
		ctx:    sctx,
		cancel: cancel,
		log:    c.log.With("session_id", id),
		ready:  make(chan struct{}),
		conv:   audio.FormatConverter{Target: audio.Format{SampleRate: audio.OutputSampleRate, Channels: 1}},
	}
	as.player = playback.New(c.output,
		playback.WithSampleRate(audio.OutputSampleRate),
		playback.WithBuffer(c.cfg.OutputBuffer),
		playback.WithLogger(as.log),
		playback.WithDecodeErrorHandler(func(error) {
			c.metrics.DecodeErrors.Add(as.ctx, 1)
		}),
	)
	return as
}

// setHandle publishes the provider's handle. A handle arriving after
// teardown is closed immediately.
func (as *activeSession) setHandle(h s2s.SessionHandle) {
	as.mu.Lock()
	as.handle = h
	late := as.tornDown && h != nil
	as.mu.Unlock()
	close(as.ready)
	if late {
		_ = h.Close()
	}
}

// startAudio acquires both devices and starts the stream goroutines.
func (as *activeSession) startAudio() error {
	c := as.c
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.tornDown {
		return ErrAborted
	}

	capCfg := c.cfg.Capture
	if capCfg.SampleRate <= 0 {
		capCfg.SampleRate = audio.InputSampleRate
	}
	vadCfg := c.cfg.VAD.WithDefaults()
	vadCfg.SampleRate = capCfg.SampleRate
	capCfg.VolumeScale = vadCfg.VolumeScale

	det, err := c.vadEngine.NewSession(vadCfg)
	if err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	as.detector = det

	if err := as.player.Start(); err != nil {
		return err
	}

	eng := capture.New(capCfg, det, capture.Callbacks{
		Chunk:    as.sendFrame,
		Volume:   c.volume,
		Activity: as.onActivity,
	},
		capture.WithLogger(as.log),
		capture.WithDropHandler(func() { c.metrics.FramesDropped.Add(as.ctx, 1) }),
	)
	if err := eng.Start(c.input); err != nil {
		return err
	}
	as.capture = eng

	c.metrics.ActiveSessions.Add(as.ctx, 1)
	as.counted = true

	as.wg.Add(2)
	go as.pumpAudio()
	go as.pumpTranscripts()
	go as.watch() // not in wg: it may call teardown itself

	return nil
}

// teardown releases everything. Safe to call more than once and from any
// goroutine except the capture callbacks and the pumps.
func (as *activeSession) teardown() {
	as.tearOnce.Do(func() {
		as.cancel()

		as.mu.Lock()
		as.tornDown = true
		h, eng, det, counted := as.handle, as.capture, as.detector, as.counted
		as.mu.Unlock()

		if eng != nil {
			if err := eng.Stop(); err != nil {
				as.log.Debug("session: stop capture", "err", err)
			}
		}
		if h != nil {
			_ = h.Close()
		}
		if err := as.player.Close(); err != nil {
			as.log.Debug("session: close playback", "err", err)
		}
		if det != nil {
			_ = det.Close()
		}
		as.wg.Wait()
		if counted {
			as.c.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	})
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func (as *activeSession) pumpAudio() {
	defer as.wg.Done()
	ch := as.handle.Audio()
	for chunk := range ch {
		if as.ctx.Err() != nil {
			audio.Drain(ch)
			return
		}
		data := chunk.Data
		if rate := chunk.Format.SampleRate; rate != 0 && rate != audio.OutputSampleRate && len(data)%2 == 0 {
			data = as.conv.Convert(chunk).Data
		}
		if as.enqueue(chunk.Turn, data) {
			as.c.metrics.PlaybackBuffers.Add(as.ctx, 1)
		}
	}
}

// enqueue schedules one model buffer unless its turn was interrupted.
func (as *activeSession) enqueue(turn uint64, pcm []byte) bool {
	as.playMu.Lock()
	defer as.playMu.Unlock()
	if turn < as.staleBefore {
		as.c.metrics.StaleChunks.Add(as.ctx, 1)
		return false
	}
	_, err := as.player.EnqueuePCM(pcm)
	return err == nil
}

func (as *activeSession) pumpTranscripts() {
	defer as.wg.Done()
	for e := range as.handle.Transcripts() {
		as.c.transcript(e)
	}
}

// watch waits for the transport to end on its own.
func (as *activeSession) watch() {
	<-as.handle.Done()
	if as.ctx.Err() != nil {
		return
	}
	ev := EventTransportClose
	if err := as.handle.Err(); err != nil {
		ev = EventTransportError
		as.c.metrics.TransportErrors.Add(as.ctx, 1)
		as.log.Warn("session: transport failed", "err", err)
		as.c.transcript(systemEntry("connection lost: " + err.Error()))
	} else {
		as.log.Info("session: remote closed the connection")
	}
	as.c.end(as, ev)
}

func (as *activeSession) onToolCall(calls []types.ToolCall) {
	as.c.bridge.Dispatch(as.ctx, as, calls)
}

// SendToolResponse lets the bridge answer calls that arrive before Connect
// has published the handle.
func (as *activeSession) SendToolResponse(ctx context.Context, responses ...s2s.ToolResponse) error {
	<-as.ready
	if as.handle == nil {
		return s2s.ErrSessionClosed
	}
	return as.handle.SendToolResponse(ctx, responses...)
}

func (as *activeSession) onTurn(sig s2s.TurnSignal) {
	as.playMu.Lock()
	as.turns++
	if sig == s2s.TurnInterrupted {
		as.staleBefore = as.turns
		as.player.Interrupt()
	}
	as.playMu.Unlock()

	switch sig {
	case s2s.TurnInterrupted:
		as.c.metrics.RecordBargeIn(as.ctx, "server")
		as.log.Debug("session: model turn interrupted by server")
	case s2s.TurnComplete:
		as.c.metrics.TurnsCompleted.Add(as.ctx, 1)
		as.log.Debug("session: model turn complete")
	}
}

func (as *activeSession) onError(err error) {
	as.log.Warn("session: server reported error", "err", err)
	as.c.transcript(systemEntry(err.Error()))
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// sendFrame runs on the capture processing goroutine.
func (as *activeSession) sendFrame(pcm []byte, _ audio.Frame) {
	err := as.handle.SendAudio(as.ctx, pcm)
	switch {
	case err == nil:
		as.c.metrics.FramesSent.Add(as.ctx, 1)
	case as.ctx.Err() != nil, errors.Is(err, s2s.ErrSessionClosed):
	default:
		as.log.Debug("session: send audio", "err", err)
	}
}

// onActivity runs on the capture processing goroutine. Speech start cuts
// the model off locally; the session itself is left alone.
func (as *activeSession) onActivity(ev vad.VADEvent) {
	if ev.Type != vad.VADSpeechStart {
		return
	}
	as.player.Interrupt()
	as.c.metrics.RecordBargeIn(as.ctx, "local")
	as.log.Debug("session: barge-in", "rms", ev.RMS)
}
