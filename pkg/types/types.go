// Package types defines the shared types used across parley packages.
//
// These types form the lingua franca between the wire protocol, the tool
// bridge and the session client. Each package defines its own domain types;
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Role tags who a transcript line belongs to.
type Role string

const (
	// RoleUser is the person speaking into the microphone.
	RoleUser Role = "user"

	// RoleModel is the remote conversational model.
	RoleModel Role = "model"

	// RoleSystem marks diagnostics and tool-invocation notices.
	RoleSystem Role = "system"
)

// TranscriptEntry is one human-readable line surfaced to the host.
type TranscriptEntry struct {
	// Role is the speaker the line is attributed to.
	Role Role

	// Text is the line content. Transcription fragments may be partial words.
	Text string

	// Timestamp is when the entry was produced.
	Timestamp time.Time
}

// ToolCall is a tool invocation requested by the remote model.
type ToolCall struct {
	// ID correlates the call with its response.
	ID string

	// Name is the tool/function name.
	Name string

	// Args holds the decoded argument object. It may be nil.
	Args map[string]any
}

// ToolDefinition describes a tool offered to the remote model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does.
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// VoiceProfile selects the synthesized voice.
type VoiceProfile struct {
	// ID is the provider-specific voice name (e.g. "Puck").
	ID string

	// Language is an optional BCP-47 language code.
	Language string
}
