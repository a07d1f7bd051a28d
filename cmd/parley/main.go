// Command parley is a terminal voice client for the Gemini Live API. It
// streams the default microphone to the model, plays the model's voice on
// the default speaker, and runs tools (built-ins and MCP servers) on the
// model's behalf.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/bus"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/provider/s2s/gemini"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/types"
)

var version = "dev"

// errQuit ends the run loop on a user "quit".
var errQuit = errors.New("quit requested")

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file with credentials (optional)")
	noConnect := flag.Bool("no-connect", false, "start disconnected; type \"connect\" to begin")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("parley", version)
		return 0
	}

	// ── Configuration ─────────────────────────────────────────────────────────
	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}

	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	var (
		client      atomic.Pointer[session.Client]
		instruction atomic.Pointer[string]
	)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), &level, &instruction, client.Load())
	}, config.WithWatcherLogger(logger))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.Debug("watching config sources", "files", watcher.Files())
	instruction.Store(&cfg.Session.SystemInstruction)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"model", cfg.Gemini.Model,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelProvider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otelProvider.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Tools ─────────────────────────────────────────────────────────────────
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, cfg.Tools.Builtin, nil); err != nil {
		slog.Error("failed to register built-in tools", "err", err)
		return 1
	}
	mcpSource := tools.NewMCPSource(registry, logger)
	defer mcpSource.Close()
	for _, srv := range cfg.MCP.Servers {
		rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := mcpSource.RegisterServer(rctx, srv); err != nil {
			slog.Warn("mcp server unavailable; its tools are not offered", "server", srv.Name, "err", err)
		}
		cancel()
	}

	// ── Event bus (optional) ──────────────────────────────────────────────────
	var events *bus.Publisher
	if cfg.Events.NATSURL != "" {
		events, err = bus.Connect(cfg.Events.NATSURL, bus.WithPrefix(cfg.Events.SubjectPrefix), bus.WithLogger(logger))
		if err != nil {
			slog.Error("failed to connect event bus", "err", err)
			return 1
		}
		defer events.Close()
	}

	// ── Session ───────────────────────────────────────────────────────────────
	provider := gemini.New(cfg.Gemini.APIKey,
		gemini.WithModel(cfg.Gemini.Model),
		gemini.WithBaseURL(cfg.Gemini.BaseURL),
		gemini.WithTranscription(cfg.Gemini.TranscriptionEnabled()),
		gemini.WithLogger(logger),
	)
	c := session.New(provider, device.NewMicrophone(logger), device.NewSpeaker(logger),
		session.WithConfig(sessionConfig(cfg)),
		session.WithRegistry(registry),
		session.WithReportUnknownTools(cfg.Tools.ReportUnknown),
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithStatusCallback(func(s session.State) {
			fmt.Printf("· %s\n", s)
			if events != nil {
				if err := events.PublishStatus(s.String()); err != nil {
					slog.Debug("publish status", "err", err)
				}
			}
		}),
		session.WithVolumeCallback(volumeMeter(metrics)),
		session.WithTranscriptCallback(func(e types.TranscriptEntry) {
			fmt.Printf("%-6s %s\n", e.Role+":", e.Text)
			if events != nil {
				if err := events.PublishTranscript(e); err != nil {
					slog.Debug("publish transcript", "err", err)
				}
			}
		}),
	)
	client.Store(c)
	defer c.Close()

	// ── HTTP (health + metrics) ───────────────────────────────────────────────
	checks := health.New(health.Func("session", func() error {
		if st := c.State(); st == session.StateError {
			return fmt.Errorf("session %s", st)
		}
		return nil
	}))
	if events != nil {
		checks.Add(health.Checker{Name: "events", Check: events.Check})
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.ListenAddr != "" {
		srv := newServer(cfg.Server.ListenAddr, checks, otelProvider.MetricsHandler(), metrics)
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	g.Go(func() error {
		reloadOn(gctx, hangup, watcher.Reload)
		return nil
	})

	connect := func() {
		cred := watcher.Current().Gemini.APIKey
		cctx, cancel := context.WithTimeout(gctx, 30*time.Second)
		defer cancel()
		if err := c.Connect(cctx, cred, *instruction.Load()); err != nil && !errors.Is(err, session.ErrAborted) {
			slog.Error("connect failed", "err", err)
		}
	}

	g.Go(func() error {
		printBanner(cfg, registry.Len())
		if !*noConnect {
			go connect()
		}
		return console(gctx, os.Stdin, connect, c.Disconnect)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Wiring ────────────────────────────────────────────────────────────────────

func sessionConfig(cfg *config.Config) session.Config {
	in := cfg.Audio.Input
	return session.Config{
		Voice: types.VoiceProfile{ID: cfg.Gemini.Voice, Language: cfg.Gemini.Language},
		Capture: capture.Config{
			SampleRate:       in.SampleRate,
			FrameSize:        in.FrameSize,
			QueueDepth:       in.QueueDepth,
			EchoCancellation: in.EchoCancellation,
			NoiseSuppression: in.NoiseSuppression,
			AutoGainControl:  in.AutoGainControl,
		},
		VAD: vad.Config{
			Threshold:      cfg.VAD.Threshold,
			DebounceFrames: cfg.VAD.DebounceFrames,
			HangoverFrames: cfg.VAD.HangoverFrames,
			VolumeScale:    cfg.VAD.VolumeScale,
		},
		OutputBuffer: cfg.Audio.Output.Buffer,
	}
}

func newServer(addr string, checks *health.Handler, metricsHandler http.Handler, m *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	checks.Register(mux)
	mux.Handle("GET /metrics", metricsHandler)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, instruction *atomic.Pointer[string], c *session.Client) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.InstructionChanged {
		s := d.NewInstruction
		instruction.Store(&s)
		slog.Info("system instruction changed; applies on next connect")
	}
	if d.ReportUnknownChanged && c != nil {
		c.SetReportUnknownTools(d.NewReportUnknown)
		slog.Info("unknown tool reporting changed", "enabled", d.NewReportUnknown)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that only apply after restart", "sections", d.RestartRequired)
	}
}

// reloadOn re-reads the config whenever sig fires, until ctx ends.
func reloadOn(ctx context.Context, sig <-chan os.Signal, reload func() (bool, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			changed, err := reload()
			switch {
			case err != nil:
				slog.Warn("reload on signal failed, keeping previous config", "err", err)
			case !changed:
				slog.Info("reload on signal: config unchanged")
			}
		}
	}
}

// volumeMeter feeds the per-frame microphone level into the input level
// gauge.
func volumeMeter(m *observe.Metrics) func(level float64) {
	return func(level float64) {
		m.InputLevel.Record(context.Background(), level)
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Console ───────────────────────────────────────────────────────────────────

// console reads commands from r until ctx ends or the user quits. EOF on r
// stops reading but keeps the process running.
func console(ctx context.Context, r io.Reader, connect, disconnect func()) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-lines:
			switch parseCommand(line) {
			case cmdConnect:
				go connect()
			case cmdDisconnect:
				disconnect()
			case cmdQuit:
				return errQuit
			case cmdHelp:
				fmt.Println(helpText)
			}
		}
	}
}

type command int

const (
	cmdNone command = iota
	cmdConnect
	cmdDisconnect
	cmdQuit
	cmdHelp
)

const helpText = `commands: connect (c), disconnect (d), quit (q), help (?)`

func parseCommand(line string) command {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "c", "connect":
		return cmdConnect
	case "d", "disconnect":
		return cmdDisconnect
	case "q", "quit", "exit":
		return cmdQuit
	case "?", "h", "help":
		return cmdHelp
	default:
		return cmdNone
	}
}

func printBanner(cfg *config.Config, toolCount int) {
	model := cfg.Gemini.Model
	if model == "" {
		model = "(default)"
	}
	voice := cfg.Gemini.Voice
	if voice == "" {
		voice = "(default)"
	}
	fmt.Printf("parley %s  model=%s voice=%s tools=%d\n", version, model, voice, toolCount)
	fmt.Println(helpText)
}
