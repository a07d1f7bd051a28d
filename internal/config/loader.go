package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultSubjectPrefix = "parley"
	defaultQueueDepth    = 8
)

// Load reads the YAML configuration file at path, overlays the environment
// and returns a validated [Config]. A relative system_instruction_file is
// resolved against the directory of path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays the environment and
// validates the result. Instruction files are resolved against the working
// directory.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, "")
}

func parse(data []byte, dir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if err := resolveInstruction(cfg, dir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// instructionPath returns where session.system_instruction_file lives, or
// "" when none is configured.
func instructionPath(cfg *Config, dir string) string {
	path := cfg.Session.SystemInstructionFile
	if path != "" && !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	return path
}

func resolveInstruction(cfg *Config, dir string) error {
	path := instructionPath(cfg, dir)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: session.system_instruction_file: %w", err)
	}
	cfg.Session.SystemInstruction = strings.TrimSpace(string(data))
	return nil
}

// ── Environment ───────────────────────────────────────────────────────────────

// envOverlay lists the variables that override the file. PARLEY_-prefixed
// names win over the bare GEMINI_API_KEY.
type envOverlay struct {
	APIKey       string `envconfig:"GEMINI_API_KEY"`
	ParleyAPIKey string `envconfig:"PARLEY_GEMINI_API_KEY"`
	BaseURL      string `envconfig:"PARLEY_GEMINI_BASE_URL"`
	Model        string `envconfig:"PARLEY_GEMINI_MODEL"`
	Voice        string `envconfig:"PARLEY_GEMINI_VOICE"`
	LogLevel     string `envconfig:"PARLEY_LOG_LEVEL"`
	ListenAddr   string `envconfig:"PARLEY_LISTEN_ADDR"`
	NATSURL      string `envconfig:"PARLEY_NATS_URL"`
}

// LoadEnvFile loads variables from the given dotenv files (default ".env")
// into the process environment. Variables already set are kept. Missing
// files are not an error.
func LoadEnvFile(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load env file: %w", err)
	}
	return nil
}

// ApplyEnv overlays non-empty environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverlay
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	set := func(dst *string, vals ...string) {
		for _, v := range vals {
			if v != "" {
				*dst = v
				return
			}
		}
	}
	set(&cfg.Gemini.APIKey, env.ParleyAPIKey, env.APIKey)
	set(&cfg.Gemini.BaseURL, env.BaseURL)
	set(&cfg.Gemini.Model, env.Model)
	set(&cfg.Gemini.Voice, env.Voice)
	set(&cfg.Server.ListenAddr, env.ListenAddr)
	set(&cfg.Events.NATSURL, env.NATSURL)
	if env.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(env.LogLevel))
	}
	return nil
}

// ── Defaults & validation ─────────────────────────────────────────────────────

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Input.SampleRate == 0 {
		cfg.Audio.Input.SampleRate = audio.InputSampleRate
	}
	if cfg.Audio.Input.FrameSize == 0 {
		cfg.Audio.Input.FrameSize = audio.DefaultFrameSize
	}
	if cfg.Audio.Input.QueueDepth == 0 {
		cfg.Audio.Input.QueueDepth = defaultQueueDepth
	}
	if cfg.Audio.Output.SampleRate == 0 {
		cfg.Audio.Output.SampleRate = audio.OutputSampleRate
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = vad.DefaultThreshold
	}
	if cfg.VAD.DebounceFrames == 0 {
		cfg.VAD.DebounceFrames = vad.DefaultDebounceFrames
	}
	if cfg.VAD.HangoverFrames == 0 {
		cfg.VAD.HangoverFrames = vad.DefaultHangoverFrames
	}
	if cfg.VAD.VolumeScale == 0 {
		cfg.VAD.VolumeScale = vad.DefaultVolumeScale
	}
	if cfg.Tools.Builtin == nil {
		cfg.Tools.Builtin = tools.BuiltinNames()
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = DefaultSubjectPrefix
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Gemini
	if cfg.Gemini.APIKey == "" {
		slog.Warn("gemini.api_key is empty; set GEMINI_API_KEY or pass a credential on connect")
	}
	if u := cfg.Gemini.BaseURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, fmt.Errorf("gemini.base_url %q must use ws:// or wss://", u))
	}

	// Session
	if cfg.Session.SystemInstruction != "" && cfg.Session.SystemInstructionFile != "" {
		errs = append(errs, errors.New("session.system_instruction and session.system_instruction_file are mutually exclusive"))
	}

	// Audio
	in := cfg.Audio.Input
	if in.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input.sample_rate %d must be positive", in.SampleRate))
	}
	if in.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.input.frame_size %d must be positive", in.FrameSize))
	}
	if in.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("audio.input.queue_depth %d must be positive", in.QueueDepth))
	}
	if r := cfg.Audio.Output.SampleRate; r != 0 && r != audio.OutputSampleRate {
		errs = append(errs, fmt.Errorf("audio.output.sample_rate %d is unsupported; only %d", r, audio.OutputSampleRate))
	}
	if cfg.Audio.Output.Buffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output.buffer %s must not be negative", cfg.Audio.Output.Buffer))
	}

	// VAD
	if t := cfg.VAD.Threshold; t < 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.4f is out of range [0, 1)", t))
	}
	if cfg.VAD.DebounceFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.debounce_frames %d must not be negative", cfg.VAD.DebounceFrames))
	}
	if cfg.VAD.HangoverFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.hangover_frames %d must not be negative", cfg.VAD.HangoverFrames))
	}
	if cfg.VAD.VolumeScale < 0 {
		errs = append(errs, fmt.Errorf("vad.volume_scale %.2f must not be negative", cfg.VAD.VolumeScale))
	}

	// Tools
	known := tools.BuiltinNames()
	for i, name := range cfg.Tools.Builtin {
		if !slices.Contains(known, name) {
			errs = append(errs, fmt.Errorf("tools.builtin[%d] %q is unknown; valid values: %s", i, name, strings.Join(known, ", ")))
		}
	}

	// MCP servers
	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if srv.Name == "" {
			continue
		}
		if prev, ok := seen[srv.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
		}
		seen[srv.Name] = i
	}

	// Events
	if p := cfg.Events.SubjectPrefix; strings.ContainsAny(p, "*> \t") {
		errs = append(errs, fmt.Errorf("events.subject_prefix %q must not contain wildcards or whitespace", p))
	}

	return errors.Join(errs...)
}
