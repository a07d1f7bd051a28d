// Package config provides the configuration schema, loader and file watcher
// for the parley voice client.
package config

import (
	"time"

	"github.com/MrWong99/parley/internal/tools"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gemini  GeminiConfig  `yaml:"gemini"`
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	Tools   ToolsConfig   `yaml:"tools"`
	MCP     MCPConfig     `yaml:"mcp"`
	Events  EventsConfig  `yaml:"events"`
}

// ServerConfig holds the observability HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics
	// (e.g. ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// GeminiConfig selects the Gemini Live endpoint and voice.
type GeminiConfig struct {
	// APIKey authenticates the WebSocket session. Usually supplied through
	// the GEMINI_API_KEY environment variable rather than the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the WebSocket endpoint. Leave empty for the public
	// Google endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the live model. Empty uses the provider default.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice name (e.g. "Puck", "Kore").
	Voice string `yaml:"voice"`

	// Language is an optional BCP-47 language code for speech output.
	Language string `yaml:"language"`

	// Transcription enables input and output transcripts. Default true.
	Transcription *bool `yaml:"transcription"`
}

// SessionConfig holds conversation-level settings.
type SessionConfig struct {
	// SystemInstruction is sent in the setup message. Hot-reloadable; a
	// change applies from the next connect.
	SystemInstruction string `yaml:"system_instruction"`

	// SystemInstructionFile loads the instruction from a file, resolved
	// relative to the config file. Mutually exclusive with
	// SystemInstruction.
	SystemInstructionFile string `yaml:"system_instruction_file"`
}

// AudioConfig groups the device settings.
type AudioConfig struct {
	Input  InputConfig  `yaml:"input"`
	Output OutputConfig `yaml:"output"`
}

// InputConfig configures microphone capture.
type InputConfig struct {
	// SampleRate requested from the microphone. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per frame sent to the model.
	// Default 4096.
	FrameSize int `yaml:"frame_size"`

	// QueueDepth bounds frames waiting for processing. Default 8.
	QueueDepth int `yaml:"queue_depth"`

	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control"`
}

// OutputConfig configures the speaker.
type OutputConfig struct {
	// SampleRate of the model's audio. Only 24000 is supported.
	SampleRate int `yaml:"sample_rate"`

	// Buffer is the device buffer length (e.g. "80ms"). Zero uses the
	// backend default.
	Buffer time.Duration `yaml:"buffer"`
}

// VADConfig tunes barge-in detection.
type VADConfig struct {
	// Threshold is the RMS level in [0, 1) above which a frame is speech.
	Threshold float64 `yaml:"threshold"`

	DebounceFrames int     `yaml:"debounce_frames"`
	HangoverFrames int     `yaml:"hangover_frames"`
	VolumeScale    float64 `yaml:"volume_scale"`
}

// ToolsConfig selects locally executed tools.
type ToolsConfig struct {
	// Builtin lists the built-in tools to register. Omitted registers all
	// of them; an empty list registers none.
	Builtin []string `yaml:"builtin"`

	// ReportUnknown answers calls to unregistered tools with an error
	// response instead of dropping them. Hot-reloadable.
	ReportUnknown bool `yaml:"report_unknown"`
}

// MCPConfig holds the list of Model Context Protocol servers whose tools are
// offered to the model.
type MCPConfig struct {
	Servers []tools.ServerConfig `yaml:"servers"`
}

// EventsConfig configures the optional NATS event sink.
type EventsConfig struct {
	// NATSURL is the server URL (e.g. "nats://127.0.0.1:4222"). Empty
	// disables publishing.
	NATSURL string `yaml:"nats_url"`

	// SubjectPrefix is prepended to ".status" and ".transcript".
	// Default "parley".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// TranscriptionEnabled reports whether transcripts are requested.
func (g GeminiConfig) TranscriptionEnabled() bool {
	return g.Transcription == nil || *g.Transcription
}
