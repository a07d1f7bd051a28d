// Package energy implements [vad.Engine] with an RMS energy detector.
//
// Each frame's RMS is compared against a fixed threshold. Hysteresis keeps
// detection stable: speech starts only after DebounceFrames consecutive loud
// frames (short attack) and ends only after HangoverFrames consecutive quiet
// frames (long release), so natural pauses do not flutter the state.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("energy vad: session closed")

// Engine creates RMS hysteresis sessions. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine]. Zero config fields take the package
// defaults of [vad.Config.WithDefaults].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if cfg.Threshold >= 1 {
		return nil, fmt.Errorf("energy vad: threshold %v must be below 1", cfg.Threshold)
	}
	return &Session{cfg: cfg}, nil
}

// Session holds the hysteresis counters for one stream.
type Session struct {
	mu  sync.Mutex
	cfg vad.Config

	speakingCounter int
	silenceCounter  int
	isSpeaking      bool
	closed          bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(samples []float32) (vad.VADEvent, error) {
	rms := audio.RMS(samples)
	ev := vad.VADEvent{
		RMS:    rms,
		Volume: math.Min(1, rms*s.cfg.VolumeScale),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrSessionClosed
	}

	if rms > s.cfg.Threshold {
		s.speakingCounter++
		s.silenceCounter = 0
		if !s.isSpeaking && s.speakingCounter >= s.cfg.DebounceFrames {
			s.isSpeaking = true
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
	} else {
		s.silenceCounter++
		s.speakingCounter = 0
		if s.isSpeaking && s.silenceCounter >= s.cfg.HangoverFrames {
			s.isSpeaking = false
			ev.Type = vad.VADSpeechEnd
			return ev, nil
		}
	}

	if s.isSpeaking {
		ev.Type = vad.VADSpeechContinue
	} else {
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Speaking reports the current state.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSpeaking
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakingCounter = 0
	s.silenceCounter = 0
	s.isSpeaking = false
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
