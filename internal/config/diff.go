package config

import (
	"maps"
	"slices"

	"github.com/MrWong99/parley/internal/tools"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// InstructionChanged takes effect on the next connect.
	InstructionChanged bool
	NewInstruction     string

	ReportUnknownChanged bool
	NewReportUnknown     bool

	// RestartRequired names the changed sections that are only read at
	// startup.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.InstructionChanged || d.ReportUnknownChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.SystemInstruction != new.Session.SystemInstruction {
		d.InstructionChanged = true
		d.NewInstruction = new.Session.SystemInstruction
	}
	if old.Tools.ReportUnknown != new.Tools.ReportUnknown {
		d.ReportUnknownChanged = true
		d.NewReportUnknown = new.Tools.ReportUnknown
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	// gemini.api_key is read on every connect.
	if old.Gemini.BaseURL != new.Gemini.BaseURL ||
		old.Gemini.Model != new.Gemini.Model || old.Gemini.Voice != new.Gemini.Voice ||
		old.Gemini.Language != new.Gemini.Language ||
		old.Gemini.TranscriptionEnabled() != new.Gemini.TranscriptionEnabled() {
		d.RestartRequired = append(d.RestartRequired, "gemini")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.VAD != new.VAD {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if !slices.Equal(old.Tools.Builtin, new.Tools.Builtin) {
		d.RestartRequired = append(d.RestartRequired, "tools.builtin")
	}
	if !slices.EqualFunc(old.MCP.Servers, new.MCP.Servers, sameServer) {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}
	if old.Events != new.Events {
		d.RestartRequired = append(d.RestartRequired, "events")
	}
	return d
}

func sameServer(a, b tools.ServerConfig) bool {
	return a.Name == b.Name && a.Transport == b.Transport &&
		a.Command == b.Command && a.URL == b.URL && maps.Equal(a.Env, b.Env)
}
