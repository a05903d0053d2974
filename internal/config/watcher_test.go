package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/MrWong99/chorus/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
discord:
  token: abc
recording:
  bitrate: 64000
`

const watcherUpdatedYAML = `
server:
  log_level: debug
discord:
  token: abc
recording:
  bitrate: 128000
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

const pollEvery = 20 * time.Millisecond

// noEnv keeps the process environment out of watcher tests.
var noEnv = config.WithLookuper(envconfig.MapLookuper(nil))

type reload struct{ old, new *config.Config }

// watchFile writes content to a fresh config file and watches it. Every
// callback is delivered on the returned channel.
func watchFile(t *testing.T, content string) (string, *config.Watcher, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	reloads := make(chan reload, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads <- reload{old, new}
	}, config.WithInterval(pollEvery), noEnv)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, reloads
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// bumpMtime moves the file's modification time forward so a rewrite within
// the filesystem's timestamp granularity is still noticed.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	ts := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

// expectNoReload fails if a callback arrives within several poll intervals.
func expectNoReload(t *testing.T, reloads <-chan reload) {
	t.Helper()
	select {
	case r := <-reloads:
		t.Errorf("unexpected reload to log_level %q", r.new.Server.LogLevel)
	case <-time.After(10 * pollEvery):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	_, w, reloads := watchFile(t, watcherValidYAML)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Recording.Bitrate != 64000 {
		t.Errorf("bitrate = %d, want 64000", cfg.Recording.Bitrate)
	}
	expectNoReload(t, reloads)
}

func TestWatcher_ReportsContentChange(t *testing.T) {
	t.Parallel()

	path, w, reloads := watchFile(t, watcherValidYAML)
	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path)

	var r reload
	select {
	case r = <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}

	if r.old.Server.LogLevel != config.LogInfo || r.new.Server.LogLevel != config.LogDebug {
		t.Errorf("reload log_level %q -> %q, want info -> debug", r.old.Server.LogLevel, r.new.Server.LogLevel)
	}
	d := config.Diff(r.old, r.new)
	if !d.RecordingChanged || d.NewRecording.Bitrate != 128000 {
		t.Errorf("Diff = %+v, want recording bitrate 128000", d)
	}
	if w.Current() != r.new {
		t.Error("Current() is not the config passed to the callback")
	}
	expectNoReload(t, reloads)
}

func TestWatcher_InvalidFileKeepsPrevious(t *testing.T) {
	t.Parallel()

	path, w, reloads := watchFile(t, watcherValidYAML)
	before := w.Current()

	writeFile(t, path, watcherInvalidYAML)
	bumpMtime(t, path)
	expectNoReload(t, reloads)

	if w.Current() != before {
		t.Errorf("Current() changed to log_level %q after invalid write", w.Current().Server.LogLevel)
	}

	// A later valid write is still picked up.
	writeFile(t, path, watcherUpdatedYAML)
	ts := time.Now().Add(4 * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	select {
	case r := <-reloads:
		if r.old != before {
			t.Error("reload old config is not the last valid one")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid write after invalid one was not reloaded")
	}
}

func TestWatcher_TouchOnly(t *testing.T) {
	t.Parallel()

	path, _, reloads := watchFile(t, watcherValidYAML)
	bumpMtime(t, path)
	expectNoReload(t, reloads)
}

func TestWatcher_InitialLoadErrors(t *testing.T) {
	t.Parallel()

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	writeFile(t, invalid, watcherInvalidYAML)

	for name, path := range map[string]string{
		"missing": filepath.Join(t.TempDir(), "absent.yaml"),
		"invalid": invalid,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			w, err := config.NewWatcher(path, nil, noEnv)
			if err == nil {
				w.Stop()
				t.Fatal("NewWatcher succeeded, want error")
			}
		})
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)
	w, err := config.NewWatcher(path, nil, config.WithInterval(pollEvery), noEnv)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
