package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := map[string]command{
		"c":             cmdConnect,
		" Connect ":     cmdConnect,
		"d":             cmdDisconnect,
		"disconnect":    cmdDisconnect,
		"q":             cmdQuit,
		"EXIT":          cmdQuit,
		"?":             cmdHelp,
		"":              cmdNone,
		"make me toast": cmdNone,
	}
	for in, want := range tests {
		if got := parseCommand(in); got != want {
			t.Errorf("parseCommand(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestConsole_DispatchesCommands(t *testing.T) {
	t.Parallel()
	var connects, disconnects atomic.Int32
	connected := make(chan struct{}, 1)

	err := console(context.Background(), strings.NewReader("connect\nd\nnonsense\nquit\n"),
		func() {
			connects.Add(1)
			connected <- struct{}{}
		},
		func() { disconnects.Add(1) },
	)
	if !errors.Is(err, errQuit) {
		t.Fatalf("console = %v, want errQuit", err)
	}
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("connect not called")
	}
	if disconnects.Load() != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects.Load())
	}
}

func TestConsole_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := console(ctx, strings.NewReader(""), func() {}, func() {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("console = %v, want context.Canceled", err)
	}
}

func TestSessionConfig_MapsSections(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Gemini.Voice = "Kore"
	cfg.Gemini.Language = "fr-FR"
	cfg.Audio.Input.FrameSize = 1024
	cfg.Audio.Input.EchoCancellation = true
	cfg.Audio.Output.Buffer = 90 * time.Millisecond
	cfg.VAD.Threshold = 0.03
	cfg.VAD.HangoverFrames = 12

	sc := sessionConfig(cfg)
	if sc.Voice.ID != "Kore" || sc.Voice.Language != "fr-FR" {
		t.Errorf("voice = %+v", sc.Voice)
	}
	if sc.Capture.FrameSize != 1024 || !sc.Capture.EchoCancellation {
		t.Errorf("capture = %+v", sc.Capture)
	}
	if sc.VAD.Threshold != 0.03 || sc.VAD.HangoverFrames != 12 {
		t.Errorf("vad = %+v", sc.VAD)
	}
	if sc.OutputBuffer != 90*time.Millisecond {
		t.Errorf("output buffer = %s", sc.OutputBuffer)
	}
}

func TestApplyReload(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	var instruction atomic.Pointer[string]
	old := "Be kind."
	instruction.Store(&old)

	applyReload(config.ConfigDiff{
		LogLevelChanged:    true,
		NewLogLevel:        config.LogDebug,
		InstructionChanged: true,
		NewInstruction:     "Be brief.",
	}, &level, &instruction, nil)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %s, want DEBUG", level.Level())
	}
	if got := *instruction.Load(); got != "Be brief." {
		t.Errorf("instruction = %q", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	cases := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range cases {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestReloadOn_ReloadsPerSignal(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal)
	var reloads atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		reloadOn(ctx, sig, func() (bool, error) {
			if reloads.Add(1) == 2 {
				return false, errors.New("bad yaml")
			}
			return true, nil
		})
	}()

	for range 3 {
		sig <- syscall.SIGHUP
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reloadOn did not return after cancel")
	}
	if got := reloads.Load(); got != 3 {
		t.Errorf("reloads = %d, want 3 (a failed reload must not stop the loop)", got)
	}
}

func TestVolumeMeter_RecordsLevel(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	meter := volumeMeter(m)
	meter(0.25)
	meter(0.5)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "parley.capture.input_level" {
				continue
			}
			g := met.Data.(metricdata.Gauge[float64])
			if len(g.DataPoints) != 1 || g.DataPoints[0].Value != 0.5 {
				t.Errorf("input level points = %+v, want latest 0.5", g.DataPoints)
			}
			return
		}
	}
	t.Fatal("input level gauge not recorded")
}
