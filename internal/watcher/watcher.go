// Package watcher surfaces file-level change notifications from a tree of
// journal files: FileCreated, LinesAdded and FileRemoved. The low-level
// fsnotify callback never touches the filesystem or the position map; it
// only classifies and forwards to a dedicated processing goroutine.
package watcher

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/vibetea/telemetry/internal/position"
	"github.com/vibetea/telemetry/internal/telemetrylog"
)

// EventKind discriminates the three logical events this package emits.
type EventKind int

const (
	FileCreated EventKind = iota
	LinesAdded
	FileRemoved
)

// Event is one logical notification; the watcher itself does no
// debouncing.
type Event struct {
	Kind  EventKind
	Path  string
	Lines []string
}

// rawKind is the cheap classification done inside the fsnotify callback.
type rawKind int

const (
	rawCreated rawKind = iota
	rawModified
	rawRemoved
)

type rawEvent struct {
	kind rawKind
	path string
}

// internalChannelCapacity bounds the classification->processing channel.
// When full, the callback drops the event with a warning rather than
// block the filesystem watch thread.
const internalChannelCapacity = 1000

var (
	ErrDirectoryNotFound = errors.New("watcher: directory not found")
	ErrWatcherInit       = errors.New("watcher: failed to initialize")
)

// Watcher watches a directory tree for journal files and emits Events.
type Watcher struct {
	root   string
	suffix string
	out    chan<- Event
	log    *telemetrylog.Logger

	positions *position.Map
	fsw       *fsnotify.Watcher
	internal  chan rawEvent

	trackedCount atomic.Int64
	done         chan struct{}
}

// New scans root recursively for files matching suffix, seeds the
// position map with their current sizes (no LinesAdded is emitted for
// pre-existing content), starts watching the tree, and returns a Watcher
// whose processing goroutine forwards logical Events to out.
func New(root, suffix string, out chan<- Event, log *telemetrylog.Logger) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryNotFound, root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherInit, err)
	}

	w := &Watcher{
		root:      root,
		suffix:    suffix,
		out:       out,
		log:       log,
		positions: position.NewMap(),
		fsw:       fsw,
		internal:  make(chan rawEvent, internalChannelCapacity),
		done:      make(chan struct{}),
	}

	if err := w.scanAndSeed(); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.watchLoop()
	go w.processLoop()

	return w, nil
}

// TrackedFileCount reports the number of journal files currently known.
func (w *Watcher) TrackedFileCount() int64 {
	return w.trackedCount.Load()
}

// FilePosition returns the stored byte offset for path.
func (w *Watcher) FilePosition(path string) int64 {
	return w.positions.Get(path)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) matches(path string) bool {
	return strings.HasSuffix(path, w.suffix)
}

// scanAndSeed walks root once at construction time. Permission-denied
// subdirectories are logged and skipped rather than aborting the scan.
func (w *Watcher) scanAndSeed() error {
	return filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				w.log.Warn("skipping unreadable path during scan", map[string]any{"path": path})
				return nil
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.log.Warn("failed to watch directory", map[string]any{"path": path, "error": err.Error()})
			}
			return nil
		}
		if !w.matches(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		w.positions.Set(path, info.Size())
		w.trackedCount.Add(1)
		return nil
	})
}

// watchLoop runs on the fsnotify goroutine. It performs no I/O and holds
// no lock: it only classifies the raw event and forwards it.
func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(ev.Name) && ev.Op&fsnotify.Create == 0 {
				continue
			}
			var kind rawKind
			switch {
			case ev.Op&fsnotify.Create != 0:
				kind = rawCreated
			case ev.Op&fsnotify.Write != 0:
				kind = rawModified
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				kind = rawRemoved
			default:
				continue
			}
			select {
			case w.internal <- rawEvent{kind: kind, path: ev.Name}:
			default:
				w.log.Warn("internal watch channel full, dropping event", map[string]any{"path": ev.Name})
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", map[string]any{"error": err.Error()})
		}
	}
}

// processLoop performs all real I/O: it owns the position map's writes
// and reads file contents, entirely off the fsnotify thread.
func (w *Watcher) processLoop() {
	for {
		select {
		case <-w.done:
			return
		case re := <-w.internal:
			switch re.kind {
			case rawRemoved:
				w.positions.Delete(re.path)
				w.trackedCount.Add(-1)
				w.emit(Event{Kind: FileRemoved, Path: re.path})
			case rawCreated:
				if info, err := os.Stat(re.path); err == nil && info.IsDir() {
					if err := w.fsw.Add(re.path); err != nil {
						w.log.Warn("failed to watch new directory", map[string]any{"path": re.path, "error": err.Error()})
					}
					continue
				}
				if !w.matches(re.path) {
					continue
				}
				w.trackedCount.Add(1)
				w.emit(Event{Kind: FileCreated, Path: re.path})
				w.CheckFile(re.path)
			case rawModified:
				if !w.matches(re.path) {
					continue
				}
				w.CheckFile(re.path)
			}
		}
	}
}

// CheckFile performs a manual poll of path: stat, detect truncation,
// read any complete lines appended since the stored position, and advance
// the position map. Only complete (newline-terminated) lines are
// returned; any trailing partial line is left for the next read.
func (w *Watcher) CheckFile(path string) {
	last := w.positions.Get(path)

	info, err := os.Stat(path)
	if err != nil {
		w.log.Warn("stat failed during file check", map[string]any{"path": path, "error": err.Error()})
		return
	}
	size := info.Size()

	if size < last {
		w.log.Warn("file truncated, resetting position", map[string]any{"path": path})
		last = 0
	}
	if size == last {
		return
	}

	lines, newPos, err := readCompleteLines(path, last, size)
	if err != nil {
		w.log.Warn("read failed during file check", map[string]any{"path": path, "error": err.Error()})
		return
	}
	w.positions.Set(path, newPos)

	if len(lines) > 0 {
		w.emit(Event{Kind: LinesAdded, Path: path, Lines: lines})
	}
}

// readCompleteLines reads from from to the current end of file, returning
// every newline-terminated line (trimmed of trailing \r\n, empties
// dropped) and the byte offset the stored position should advance to:
// just past the last complete line. A trailing partial line is not
// emitted and is read again from its start on the next check.
func readCompleteLines(path string, from, to int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, from, err
	}
	defer f.Close()

	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return nil, from, err
	}

	reader := bufio.NewReader(f)
	var lines []string
	consumed := from
	for {
		raw, err := reader.ReadBytes('\n')
		if len(raw) > 0 && err == nil {
			consumed += int64(len(raw))
			line := strings.TrimRight(string(bytes.TrimRight(raw, "\n")), "\r")
			if line != "" {
				lines = append(lines, line)
			}
		}
		if err != nil {
			break // partial trailing line or EOF: stop, don't emit it
		}
	}
	return lines, consumed, nil
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.out <- ev:
	case <-w.done:
	}
}
