package gate

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RuleWatcher reloads a rules file when it changes and installs the result on
// a gate. A file that fails to compile leaves the previous rules in place.
type RuleWatcher struct {
	path     string
	gate     *Gate
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewRuleWatcher loads path once, installs it on g and prepares a watcher on
// the file's directory (editors often replace files rather than write them).
func NewRuleWatcher(path string, g *Gate, logger *slog.Logger) (*RuleWatcher, error) {
	rs, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	g.SetRules(rs)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	return &RuleWatcher{
		path:     filepath.Clean(path),
		gate:     g,
		logger:   logger,
		watcher:  w,
		debounce: 250 * time.Millisecond,
	}, nil
}

// Run watches until ctx is cancelled.
func (rw *RuleWatcher) Run(ctx context.Context) {
	defer rw.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			rw.mu.Lock()
			if rw.timer != nil {
				rw.timer.Stop()
			}
			rw.mu.Unlock()
			return
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != rw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rw.schedule()
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn("rules watcher error", "error", err)
		}
	}
}

func (rw *RuleWatcher) schedule() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.timer != nil {
		rw.timer.Stop()
	}
	rw.timer = time.AfterFunc(rw.debounce, rw.reload)
}

func (rw *RuleWatcher) reload() {
	rs, err := LoadRules(rw.path)
	if err != nil {
		rw.logger.Error("rules reload failed, keeping previous rules", "path", rw.path, "error", err)
		return
	}
	rw.gate.SetRules(rs)
	rw.logger.Info("governance rules reloaded", "path", rw.path, "rules", rs.Len())
}
