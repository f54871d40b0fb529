// Package watcher monitors indexed folder trees and emits debounced
// re-index triggers.
//
// Events coalesce per folder: a burst of writes produces one trigger once
// the folder has been quiet for the configured interval, so a large copy
// into a watched tree causes a single re-index instead of hundreds.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"newsvault/internal/logging"
)

// Errors
var (
	ErrAlreadyWatched = errors.New("watcher: folder already watched")
	ErrNotStarted     = errors.New("watcher: not started")
)

// Event is one debounced re-index trigger.
type Event struct {
	FolderID  string
	Root      string
	Timestamp time.Time
}

// Watcher watches folder trees recursively and coalesces change bursts.
type Watcher struct {
	fsw   *fsnotify.Watcher
	quiet time.Duration
	log   *logging.Logger

	mu    sync.Mutex
	roots map[string]string    // folder id -> absolute root
	dirty map[string]time.Time // folder id -> last observed activity

	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a watcher that triggers after a folder has been quiet for
// the given interval.
func New(quiet time.Duration, log *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Default().WithComponent("watcher")
	}
	return &Watcher{
		fsw:    fsw,
		quiet:  quiet,
		log:    log,
		roots:  make(map[string]string),
		dirty:  make(map[string]time.Time),
		events: make(chan Event, 16),
		errors: make(chan error, 16),
		done:   make(chan struct{}),
	}, nil
}

// Events returns the re-index trigger channel.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors returns the watch error channel.
func (w *Watcher) Errors() <-chan error { return w.errors }

// AddFolder starts watching a folder tree. Every existing subdirectory is
// registered; directories created later are picked up from their create
// events.
func (w *Watcher) AddFolder(folderID, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if _, ok := w.roots[folderID]; ok {
		w.mu.Unlock()
		return ErrAlreadyWatched
	}
	w.roots[folderID] = abs
	w.mu.Unlock()

	return filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != abs && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// RemoveFolder stops watching a folder tree and drops any pending trigger.
func (w *Watcher) RemoveFolder(folderID string) {
	w.mu.Lock()
	root, ok := w.roots[folderID]
	delete(w.roots, folderID)
	delete(w.dirty, folderID)
	w.mu.Unlock()

	if ok {
		// Best effort: fsnotify drops deleted directories on its own.
		_ = w.fsw.Remove(root)
	}
}

// Start launches the event and debounce loops.
func (w *Watcher) Start() {
	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
}

// Stop shuts the watcher down and closes its channels.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return err
}

// eventLoop marks folders dirty as raw notifications arrive.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}

			// New subdirectories join the watch set.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.fsw.Add(ev.Name); err != nil {
						w.reportError(err)
					}
				}
			}

			if folderID, ok := w.folderFor(ev.Name); ok {
				w.mu.Lock()
				w.dirty[folderID] = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

// debounceLoop fires one trigger per folder once it has been quiet long
// enough.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.quiet / 4)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			for _, ev := range w.settled(now) {
				select {
				case w.events <- ev:
					w.log.Debug("re-index trigger", "folder_id", ev.FolderID)
				case <-w.done:
					return
				}
			}
		}
	}
}

// settled collects and clears folders whose last activity is older than
// the quiet interval.
func (w *Watcher) settled(now time.Time) []Event {
	threshold := now.Add(-w.quiet)

	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Event
	for folderID, last := range w.dirty {
		if last.After(threshold) {
			continue
		}
		delete(w.dirty, folderID)
		out = append(out, Event{
			FolderID:  folderID,
			Root:      w.roots[folderID],
			Timestamp: now,
		})
	}
	return out
}

// folderFor maps a changed path to the folder root containing it.
func (w *Watcher) folderFor(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for folderID, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			return folderID, true
		}
	}
	return "", false
}

// reportError forwards a watch error without ever blocking the loop.
func (w *Watcher) reportError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}
