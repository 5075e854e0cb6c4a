package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long edits must settle before a reload.
const DefaultDebounce = 250 * time.Millisecond

// ApplyFunc receives each successfully loaded bundle.
type ApplyFunc func(ctx context.Context, b *Bundle) error

// Watcher reloads a bundle directory when its .cue files change.
type Watcher struct {
	dir      string
	apply    ApplyFunc
	debounce time.Duration
	logger   *slog.Logger
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets the settle time.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WatchOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a watcher for dir that hands every reload to apply.
func NewWatcher(dir string, apply ApplyFunc, opts ...WatchOption) *Watcher {
	w := &Watcher{dir: dir, apply: apply, debounce: DefaultDebounce, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. A bundle that fails to load or
// apply is logged and the previous state stays in effect; the next edit
// tries again.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := addTree(fw, w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching bundle", "dir", w.dir, "debounce", w.debounce)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if ev.Op.Has(fsnotify.Create) {
				// New subdirectories are watched too.
				if err := addTree(fw, ev.Name); err != nil {
					w.logger.Debug("watch new path", "path", ev.Name, "error", err)
				}
			}
			if !relevant(ev) {
				continue
			}
			w.logger.Debug("bundle changed", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			w.logger.Warn("bundle watcher error", "error", err)

		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	b, errs := Load(w.dir, CollectAll)
	if len(errs) > 0 {
		for _, err := range errs {
			w.logger.Warn("bundle reload rejected", "dir", w.dir, "error", err)
		}
		return
	}
	if err := w.apply(ctx, b); err != nil {
		w.logger.Warn("bundle apply failed", "dir", w.dir, "error", err)
		return
	}
	w.logger.Info("bundle reloaded",
		"dir", w.dir,
		"declarations", len(b.Declarations),
		"rules", len(b.Rules),
		"triggers", len(b.Triggers),
		"facts", len(b.Facts),
	)
}

func relevant(ev fsnotify.Event) bool {
	if !strings.HasSuffix(ev.Name, ".cue") {
		return false
	}
	return ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) ||
		ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)
}

// addTree watches root and every directory below it. Non-directories are
// ignored.
func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
