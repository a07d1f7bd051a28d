package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const assistantYAML = `
server:
  log_level: info
session:
  system_instruction: You are a helpful assistant.
vad:
  threshold: 0.02
`

const pirateYAML = `
server:
  log_level: debug
session:
  system_instruction: You are a pirate.
vad:
  threshold: 0.02
`

const personaYAML = `
session:
  system_instruction_file: persona.txt
`

type reload struct{ old, new *config.Config }

// watched is a config directory under test with a running watcher.
type watched struct {
	dir     string
	path    string
	w       *config.Watcher
	reloads chan reload
	bump    atomic.Int64
}

func watch(t *testing.T, yaml string, files map[string]string, interval time.Duration) *watched {
	t.Helper()
	h := &watched{dir: t.TempDir(), reloads: make(chan reload, 8)}
	h.path = filepath.Join(h.dir, "parley.yaml")
	for name, content := range files {
		writeFile(t, filepath.Join(h.dir, name), content)
	}
	writeFile(t, h.path, yaml)

	w, err := config.NewWatcher(h.path, func(old, new *config.Config) {
		h.reloads <- reload{old, new}
	}, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	h.w = w
	return h
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// edit rewrites a file in the watched dir and pushes its mtime forward so
// the change is visible regardless of filesystem timestamp resolution.
func (h *watched) edit(t *testing.T, name, content string) {
	t.Helper()
	p := filepath.Join(h.dir, name)
	writeFile(t, p, content)
	h.touch(t, name)
}

func (h *watched) touch(t *testing.T, name string) {
	t.Helper()
	at := time.Now().Add(time.Duration(h.bump.Add(1)) * time.Second)
	if err := os.Chtimes(filepath.Join(h.dir, name), at, at); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func (h *watched) next(t *testing.T) reload {
	t.Helper()
	select {
	case r := <-h.reloads:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
		return reload{}
	}
}

func (h *watched) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case r := <-h.reloads:
		t.Fatalf("unexpected reload to %+v", r.new.Session)
	case <-time.After(d):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	h := watch(t, assistantYAML, nil, time.Hour)

	cfg := h.w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.VAD.Threshold != 0.02 {
		t.Errorf("Current() = %+v", cfg)
	}
	if got := h.w.Files(); !slices.Equal(got, []string{h.path}) {
		t.Errorf("Files() = %v, want only the yaml", got)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_YAMLEditReloads(t *testing.T) {
	t.Parallel()
	h := watch(t, assistantYAML, nil, 20*time.Millisecond)

	h.edit(t, "parley.yaml", pirateYAML)
	r := h.next(t)

	if r.old.Server.LogLevel != config.LogInfo || r.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q", r.old.Server.LogLevel, r.new.Server.LogLevel)
	}
	d := config.Diff(r.old, r.new)
	if !d.LogLevelChanged || !d.InstructionChanged || d.NewInstruction != "You are a pirate." {
		t.Errorf("Diff = %+v, want log level and instruction changes", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
	if h.w.Current() != r.new {
		t.Error("Current() is not the config passed to onChange")
	}
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	t.Parallel()
	h := watch(t, assistantYAML, nil, 20*time.Millisecond)

	h.edit(t, "parley.yaml", "server:\n  log_level: bananas\n")
	h.quiet(t, 200*time.Millisecond)
	if got := h.w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log level = %q after invalid edit, want previous %q", got, config.LogInfo)
	}

	// Fixing the file recovers.
	h.edit(t, "parley.yaml", pirateYAML)
	if r := h.next(t); r.new.Server.LogLevel != config.LogDebug {
		t.Errorf("recovered log level = %q", r.new.Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutEditIsQuiet(t *testing.T) {
	t.Parallel()
	h := watch(t, personaYAML, map[string]string{"persona.txt": "Be terse."}, 20*time.Millisecond)

	h.touch(t, "parley.yaml")
	h.touch(t, "persona.txt")
	h.quiet(t, 200*time.Millisecond)
}

func TestWatcher_InstructionFileEditReloads(t *testing.T) {
	t.Parallel()
	h := watch(t, personaYAML, map[string]string{"persona.txt": "  Speak like a lighthouse keeper.\n"}, 20*time.Millisecond)

	if got := h.w.Current().Session.SystemInstruction; got != "Speak like a lighthouse keeper." {
		t.Fatalf("initial instruction = %q", got)
	}
	want := []string{h.path, filepath.Join(h.dir, "persona.txt")}
	slices.Sort(want)
	if got := h.w.Files(); !slices.Equal(got, want) {
		t.Errorf("Files() = %v, want %v", got, want)
	}

	h.edit(t, "persona.txt", "Speak like a ship's cook.")
	r := h.next(t)
	d := config.Diff(r.old, r.new)
	if !d.InstructionChanged || d.NewInstruction != "Speak like a ship's cook." {
		t.Errorf("Diff = %+v, want the new instruction", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
}

func TestWatcher_DeletedInstructionFileKeepsPrevious(t *testing.T) {
	t.Parallel()
	h := watch(t, personaYAML, map[string]string{"persona.txt": "Be terse."}, 20*time.Millisecond)

	if err := os.Remove(filepath.Join(h.dir, "persona.txt")); err != nil {
		t.Fatal(err)
	}
	h.quiet(t, 200*time.Millisecond)
	if got := h.w.Current().Session.SystemInstruction; got != "Be terse." {
		t.Errorf("instruction = %q, want previous", got)
	}

	h.edit(t, "persona.txt", "Be verbose.")
	if r := h.next(t); r.new.Session.SystemInstruction != "Be verbose." {
		t.Errorf("instruction after restore = %q", r.new.Session.SystemInstruction)
	}
}

func TestWatcher_ReloadForcesRead(t *testing.T) {
	t.Parallel()
	h := watch(t, assistantYAML, nil, time.Hour)

	changed, err := h.w.Reload()
	if err != nil || changed {
		t.Fatalf("Reload() on untouched file = %v, %v; want false, nil", changed, err)
	}

	// Same mtime, new content: only an explicit reload sees it.
	info, err := os.Stat(h.path)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, h.path, pirateYAML)
	if err := os.Chtimes(h.path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	changed, err = h.w.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload() after edit = %v, %v; want true, nil", changed, err)
	}
	if r := h.next(t); r.new.Session.SystemInstruction != "You are a pirate." {
		t.Errorf("instruction = %q", r.new.Session.SystemInstruction)
	}

	writeFile(t, h.path, "vad: [")
	if _, err := h.w.Reload(); err == nil {
		t.Error("Reload() of broken yaml returned nil error")
	}
	if got := h.w.Current().Session.SystemInstruction; got != "You are a pirate." {
		t.Errorf("instruction after failed reload = %q", got)
	}
}

func TestWatcher_StopWaitsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	h := watch(t, assistantYAML, nil, 10*time.Millisecond)

	h.w.Stop()
	h.w.Stop()

	h.edit(t, "parley.yaml", pirateYAML)
	h.quiet(t, 100*time.Millisecond)
}
