package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/tools"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":9090"},
		Gemini:  config.GeminiConfig{Voice: "Puck"},
		Session: config.SessionConfig{SystemInstruction: "Be kind."},
		MCP: config.MCPConfig{Servers: []tools.ServerConfig{
			{Name: "dice", Transport: tools.TransportStdio, Command: "dice", Env: map[string]string{"SEED": "1"}},
		}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if d.InstructionChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_InstructionChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Session.SystemInstruction = "Be terse."

	d := config.Diff(old, new)
	if !d.InstructionChanged || d.NewInstruction != "Be terse." {
		t.Errorf("instruction diff = %+v", d)
	}
}

func TestDiff_ReportUnknownChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Tools.ReportUnknown = true

	d := config.Diff(old, new)
	if !d.ReportUnknownChanged || !d.NewReportUnknown {
		t.Errorf("report_unknown diff = %+v", d)
	}
}

func TestDiff_RestartRequiredSections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9191" }, "server.listen_addr"},
		{"voice", func(c *config.Config) { c.Gemini.Voice = "Kore" }, "gemini"},
		{"transcription", func(c *config.Config) { off := false; c.Gemini.Transcription = &off }, "gemini"},
		{"frame size", func(c *config.Config) { c.Audio.Input.FrameSize = 1024 }, "audio"},
		{"vad", func(c *config.Config) { c.VAD.Threshold = 0.05 }, "vad"},
		{"builtins", func(c *config.Config) { c.Tools.Builtin = nil }, "tools.builtin"},
		{"mcp env", func(c *config.Config) { c.MCP.Servers[0].Env = map[string]string{"SEED": "2"} }, "mcp"},
		{"events", func(c *config.Config) { c.Events.NATSURL = "nats://x" }, "events"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.section) {
				t.Errorf("RestartRequired = %v, want %q", d.RestartRequired, tt.section)
			}
			if d.LogLevelChanged || d.InstructionChanged {
				t.Errorf("hot-reload fields flagged: %+v", d)
			}
		})
	}
}
