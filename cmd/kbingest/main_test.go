package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/poiesic/kbingest"
	"github.com/poiesic/kbingest/ai/mock"
	"github.com/poiesic/kbingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const natureText = "Rivers carry sediment downstream and shape the valley floor over centuries.\n\n" +
	"Granite forms slowly from cooling magma deep beneath continental crust layers.\n\n" +
	"Cumulus clouds gather moisture and tower upward on warm summer afternoons."

// cliRunner runs the app against one data directory with a mock embedder.
type cliRunner struct {
	dataDir string
}

func newRunner(t *testing.T) *cliRunner {
	t.Helper()
	serviceOptions = []kbingest.Option{kbingest.WithProvider(mock.NewMockProviderWithEmbedder(mock.NewMockEmbedderWithDimension(8)))}
	t.Cleanup(func() { serviceOptions = nil })
	return &cliRunner{dataDir: t.TempDir()}
}

func (r *cliRunner) run(user string, args ...string) (string, error) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	full := []string{"kbingest", "--log-level", "error", "--env-file", "", "--data-dir", r.dataDir}
	if user != "" {
		full = append(full, "--user", user)
	}
	err := app.Run(append(full, args...))
	return out.String(), err
}

func (r *cliRunner) mustRun(t *testing.T, user string, args ...string) string {
	t.Helper()
	out, err := r.run(user, args...)
	require.NoError(t, err, "kbingest %s", strings.Join(args, " "))
	return out
}

func TestSetupLogger(t *testing.T) {
	r := newRunner(t)
	_, err := r.run("alice", "--log-level", "verbose", "kb", "list")
	// The later flag wins, so the level is rejected before any command runs.
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestRequiresUser(t *testing.T) {
	r := newRunner(t)
	_, err := r.run("", "kb", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user is required")
}

func TestEndToEnd(t *testing.T) {
	r := newRunner(t)
	source := filepath.Join(t.TempDir(), "nature.md")
	require.NoError(t, os.WriteFile(source, []byte(natureText), 0o644))

	out := r.mustRun(t, "alice", "kb", "create", "--name", "Nature notes", "notes")
	assert.Contains(t, out, "Created knowledge base notes (Nature notes, dimension 8, flat index)")

	out = r.mustRun(t, "alice", "kb", "list")
	assert.Contains(t, out, "notes")
	out = r.mustRun(t, "bob", "kb", "list")
	assert.Contains(t, out, "No knowledge bases")

	out = r.mustRun(t, "alice", "ingest", "--kb", "notes", "--wait", "--strategy", "custom_delimiter", source)
	assert.Contains(t, out, "Queued "+source)
	assert.Contains(t, out, "nature.md: 3 chunks")

	out = r.mustRun(t, "alice", "kb", "info", "notes")
	assert.Contains(t, out, "Documents:      1")
	assert.Contains(t, out, "Chunks:         3")
	assert.Contains(t, out, "Vectors:        3")

	out = r.mustRun(t, "alice", "search", "--kb", "notes", "Granite", "forms", "slowly", "from", "cooling", "magma", "deep", "beneath", "continental", "crust", "layers.")
	lines := strings.Split(out, "\n")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "1. [")
	assert.Contains(t, lines[0], "nature.md #1")

	out = r.mustRun(t, "alice", "task", "list")
	assert.Contains(t, out, "completed")
	out = r.mustRun(t, "alice", "queue")
	assert.Contains(t, out, "Completed: 1")

	out = r.mustRun(t, "alice", "dedup", "stats", "--kb", "notes")
	assert.Contains(t, out, "Documents: 1")
	assert.Contains(t, out, "Chunks: 3")

	out = r.mustRun(t, "alice", "dedup", "check", "--kb", "notes", "Cumulus clouds gather moisture and tower upward on warm summer afternoons.")
	assert.Contains(t, out, "1 duplicates")
	assert.Contains(t, out, "exact")

	out = r.mustRun(t, "alice", "index", "rebuild", "notes")
	assert.Contains(t, out, "Rebuilt index of notes with 3 vectors")
	r.mustRun(t, "alice", "reembed", "--kb", "notes", "--workers", "1")
	out = r.mustRun(t, "alice", "index", "info", "notes")
	assert.Contains(t, out, "Vectors:        3")

	_, err := r.run("bob", "kb", "info", "notes")
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
	_, err = r.run("bob", "kb", "delete", "notes")
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	out = r.mustRun(t, "alice", "kb", "delete", "notes")
	assert.Contains(t, out, "Deleted knowledge base notes")
	out = r.mustRun(t, "alice", "kb", "list")
	assert.Contains(t, out, "No knowledge bases")
}

func TestIngestWithoutWaitLeavesTaskPending(t *testing.T) {
	r := newRunner(t)
	source := filepath.Join(t.TempDir(), "nature.md")
	require.NoError(t, os.WriteFile(source, []byte(natureText), 0o644))
	r.mustRun(t, "alice", "kb", "create", "notes")

	r.mustRun(t, "alice", "ingest", "--kb", "notes", source)
	out := r.mustRun(t, "alice", "queue")
	assert.Contains(t, out, "Pending: 1")

	out = r.mustRun(t, "alice", "task", "clear", "--scope", "all")
	assert.Contains(t, out, "Cleared 1 tasks")
}

func TestIngestErrors(t *testing.T) {
	r := newRunner(t)
	r.mustRun(t, "alice", "kb", "create", "notes")

	_, err := r.run("alice", "ingest", "--kb", "notes")
	assert.Error(t, err)

	_, err = r.run("alice", "ingest", "--kb", "notes", filepath.Join(t.TempDir(), "**", "*.md"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no supported files")

	_, err = r.run("alice", "task", "status", "missing")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestChunkCommand(t *testing.T) {
	r := newRunner(t)
	source := filepath.Join(t.TempDir(), "nature.md")
	require.NoError(t, os.WriteFile(source, []byte(natureText), 0o644))

	out := r.mustRun(t, "alice", "chunk", "--strategy", "custom_delimiter", "--show", "2", source)
	assert.Contains(t, out, "Strategy: custom_delimiter")
	assert.Contains(t, out, "Chunks: 3")
	assert.Contains(t, out, "[1] Granite forms")
	assert.Contains(t, out, "... 1 more")

	guide := filepath.Join(t.TempDir(), "guide.md")
	require.NoError(t, os.WriteFile(guide, []byte("# Guide\n\nIntro text.\n\n## Install\n\nSteps."), 0o644))
	out = r.mustRun(t, "alice", "chunk", "--outline", guide)
	assert.Contains(t, out, "Guide  [markdown @0]")
	assert.Contains(t, out, "  Install  [markdown")
}

func TestExpandSources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
	for _, name := range []string{"top.md", "a/one.txt", "a/b/two.md", "a/b/image.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	sources, err := expandSources([]string{
		filepath.Join(dir, "**", "*.md"),
		filepath.Join(dir, "top.md"),
		"https://example.com/page",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "top.md"),
		filepath.Join(dir, "a", "b", "two.md"),
		"https://example.com/page",
	}, sources)

	sources, err = expandSources([]string{filepath.Join(dir, "**", "*")})
	require.NoError(t, err)
	assert.Len(t, sources, 3, "unsupported extensions are skipped")
}

func TestWatchable(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.md")
	hidden := filepath.Join(dir, ".notes.md")
	binary := filepath.Join(dir, "photo.png")
	for _, p := range []string{file, hidden, binary} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	sub := filepath.Join(dir, "sub.md")
	require.NoError(t, os.Mkdir(sub, 0o755))

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"create", fsnotify.Event{Name: file, Op: fsnotify.Create}, true},
		{"write", fsnotify.Event{Name: file, Op: fsnotify.Write}, true},
		{"chmod", fsnotify.Event{Name: file, Op: fsnotify.Chmod}, false},
		{"remove", fsnotify.Event{Name: filepath.Join(dir, "gone.md"), Op: fsnotify.Remove}, false},
		{"hidden", fsnotify.Event{Name: hidden, Op: fsnotify.Create}, false},
		{"unsupported", fsnotify.Event{Name: binary, Op: fsnotify.Create}, false},
		{"directory", fsnotify.Event{Name: sub, Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, watchable(tt.event))
		})
	}
}

func TestDebouncer(t *testing.T) {
	d := newDebouncer(time.Second)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	d.touch("a.md", t0)
	d.touch("b.md", t0.Add(500*time.Millisecond))
	assert.Empty(t, d.ready(t0.Add(900*time.Millisecond)))

	assert.Equal(t, []string{"a.md"}, d.ready(t0.Add(time.Second)))
	d.touch("b.md", t0.Add(1200*time.Millisecond))
	assert.Empty(t, d.ready(t0.Add(1600*time.Millisecond)), "a new write restarts the wait")
	assert.Equal(t, []string{"b.md"}, d.ready(t0.Add(3*time.Second)))
	assert.Empty(t, d.ready(t0.Add(10*time.Second)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b c", truncate("a\n b\t c", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}
