package watcher

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibetea/telemetry/internal/telemetrylog"
)

func testLogger() *telemetrylog.Logger {
	return telemetrylog.New().WithOutput(io.Discard)
}

func waitForEvent(t *testing.T, out <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for watcher event")
		return Event{}
	}
}

func TestWatcher_DetectsNewFileAndAppendedLines(t *testing.T) {
	dir := t.TempDir()
	out := make(chan Event, 16)
	w, err := New(dir, ".jsonl", out, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	path := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, []byte(`{"a":1}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := waitForEvent(t, out, 2*time.Second)
	if ev.Kind != FileCreated {
		t.Fatalf("expected FileCreated first, got kind %d", ev.Kind)
	}

	ev = waitForEvent(t, out, 2*time.Second)
	if ev.Kind != LinesAdded || len(ev.Lines) != 1 || ev.Lines[0] != `{"a":1}` {
		t.Fatalf("expected single LinesAdded event, got %+v", ev)
	}
}

func TestWatcher_IgnoresNonMatchingSuffix(t *testing.T) {
	dir := t.TempDir()
	out := make(chan Event, 16)
	w, err := New(dir, ".jsonl", out, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("irrelevant\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-out:
		t.Fatalf("expected no event for non-matching suffix, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_SeedsPositionForPreexistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing.jsonl")
	if err := os.WriteFile(path, []byte(`{"a":1}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make(chan Event, 16)
	w, err := New(dir, ".jsonl", out, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	if w.TrackedFileCount() != 1 {
		t.Fatalf("expected 1 tracked file, got %d", w.TrackedFileCount())
	}

	select {
	case ev := <-out:
		t.Fatalf("expected no LinesAdded for preexisting content, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	if err := appendLine(path, `{"b":2}`); err != nil {
		t.Fatalf("append: %v", err)
	}
	ev := waitForEvent(t, out, 2*time.Second)
	if ev.Kind != LinesAdded || len(ev.Lines) != 1 || ev.Lines[0] != `{"b":2}` {
		t.Fatalf("expected new appended line only, got %+v", ev)
	}
}

func TestWatcher_FileRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, []byte(`{"a":1}`+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make(chan Event, 16)
	w, err := New(dir, ".jsonl", out, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ev := waitForEvent(t, out, 2*time.Second)
	if ev.Kind != FileRemoved || ev.Path != path {
		t.Fatalf("expected FileRemoved for %q, got %+v", path, ev)
	}
	if w.TrackedFileCount() != 0 {
		t.Fatalf("expected tracked count 0 after removal, got %d", w.TrackedFileCount())
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}
