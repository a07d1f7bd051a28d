// Package device provides the real audio backends: a malgo (miniaudio)
// microphone and an oto speaker.
package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

// Microphone captures from the system default input through miniaudio.
type Microphone struct {
	log *slog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	scratch []float32
}

var _ audio.InputDevice = (*Microphone)(nil)

// NewMicrophone returns an unopened microphone. A nil logger uses slog.Default().
func NewMicrophone(log *slog.Logger) *Microphone {
	if log == nil {
		log = slog.Default()
	}
	return &Microphone{log: log}
}

// Open implements [audio.InputDevice].
func (m *Microphone) Open(cfg audio.InputConfig, deliver func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return fmt.Errorf("microphone: already open")
	}

	// miniaudio exposes no portable echo cancellation, noise suppression
	// or gain control; the OS input chain applies whatever it is set to.
	if cfg.EchoCancellation || cfg.NoiseSuppression || cfg.AutoGainControl {
		m.log.Debug("microphone: device-level processing left to the OS input chain",
			"echo_cancellation", cfg.EchoCancellation,
			"noise_suppression", cfg.NoiseSuppression,
			"auto_gain_control", cfg.AutoGainControl,
		)
	}

	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return fmt.Errorf("microphone: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	channels := max(cfg.Channels, 1)
	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			deliver(m.convert(in, int(frameCount), channels))
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("microphone: init device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("microphone: start: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	m.ctx = mctx
	m.device = dev
	m.log.Info("microphone opened", "sample_rate", cfg.SampleRate, "channels", channels)
	return nil
}

// convert runs on the miniaudio thread. It downmixes interleaved float32 to
// mono into a reused buffer.
func (m *Microphone) convert(in []byte, frames, channels int) []float32 {
	if cap(m.scratch) < frames {
		m.scratch = make([]float32, frames)
	}
	return f32ToMono(m.scratch[:frames], in, channels)
}

// f32ToMono decodes little-endian float32 frames from in, averaging
// channels, into dst.
func f32ToMono(dst []float32, in []byte, channels int) []float32 {
	stride := 4 * channels
	n := min(len(dst), len(in)/stride)
	for i := range n {
		var sum float32
		for c := range channels {
			off := i*stride + c*4
			sum += math.Float32frombits(binary.LittleEndian.Uint32(in[off:]))
		}
		dst[i] = sum / float32(channels)
	}
	return dst[:n]
}

// Close implements [audio.InputDevice]. Uninit waits for an in-flight data
// callback, so nothing is delivered after Close returns.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	_ = m.device.Stop()
	m.device.Uninit()
	m.device = nil

	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	if err != nil {
		return fmt.Errorf("microphone: uninit context: %w", err)
	}
	return nil
}
