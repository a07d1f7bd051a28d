package device

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/parley/pkg/audio"
)

const defaultOutputBuffer = 100 * time.Millisecond

// oto allows one context per process.
var (
	otoOnce   sync.Once
	otoCtx    *oto.Context
	otoFormat audio.OutputConfig
	otoErr    error
)

func sharedContext(cfg audio.OutputConfig) (*oto.Context, error) {
	otoOnce.Do(func() {
		buf := cfg.Buffer
		if buf <= 0 {
			buf = defaultOutputBuffer
		}
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   cfg.SampleRate,
			ChannelCount: cfg.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buf,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
		otoFormat = cfg
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoFormat.SampleRate != cfg.SampleRate || otoFormat.Channels != cfg.Channels {
		return nil, fmt.Errorf("output already initialised at %d Hz/%d ch", otoFormat.SampleRate, otoFormat.Channels)
	}
	return otoCtx, nil
}

// Speaker plays through the system default output using oto.
type Speaker struct {
	log *slog.Logger

	mu     sync.Mutex
	ctx    *oto.Context
	src    io.Reader
	player *oto.Player
}

var _ audio.OutputDevice = (*Speaker)(nil)

// NewSpeaker returns an unopened speaker. A nil logger uses slog.Default().
func NewSpeaker(log *slog.Logger) *Speaker {
	if log == nil {
		log = slog.Default()
	}
	return &Speaker{log: log}
}

// Open implements [audio.OutputDevice].
func (s *Speaker) Open(cfg audio.OutputConfig, src io.Reader) error {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	ctx, err := sharedContext(cfg)
	if err != nil {
		return fmt.Errorf("speaker: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		return fmt.Errorf("speaker: already open")
	}
	s.ctx = ctx
	s.src = src
	s.player = ctx.NewPlayer(src)
	s.player.Play()
	s.log.Info("speaker opened", "sample_rate", cfg.SampleRate, "channels", cfg.Channels)
	return nil
}

// Reset drops audio the player has buffered and starts a fresh player on
// the same source.
func (s *Speaker) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return nil
	}
	old := s.player
	old.Pause()
	old.Close()

	s.player = s.ctx.NewPlayer(s.src)
	s.player.Play()
	return nil
}

// Close implements [audio.OutputDevice].
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return nil
	}
	s.player.Pause()
	s.player.Close()
	s.player = nil
	s.src = nil
	return nil
}
