package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads tower.yml when it changes on disk and hands the
// parsed result to a callback. Invalid intermediate states (partial
// writes, parse errors) are logged and skipped.
type Watcher struct {
	path     string
	onChange func(*Config)

	fsw  *fsnotify.Watcher
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	timer *time.Timer
}

// Watch starts watching the workspace config file. The callback runs
// on the watcher goroutine after each successful reload.
func Watch(workspace string, onChange func(*Config)) (*Watcher, error) {
	path, err := filepath.Abs(Path(workspace))
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files via
	// rename, which drops file-level watches.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     path,
		onChange: onChange,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.fsw.Close()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}
	cfg, err := FromFile(w.path)
	if err != nil {
		slog.Warn("config reload skipped", "path", w.path, "error", err)
		return
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
