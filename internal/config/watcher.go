package config

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 100 * time.Millisecond

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(Config)

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithExtraFiles watches additional files, such as a quit policy script,
// and reloads when they change too.
func WithExtraFiles(paths ...string) WatchOption {
	return func(w *Watcher) {
		w.extra = append(w.extra, paths...)
	}
}

// Watcher reloads the configuration when its file changes. It watches the
// containing directory so editors that replace the file on save are seen.
type Watcher struct {
	opts     Options
	onReload ReloadFunc
	debounce time.Duration
	logger   *slog.Logger
	extra    []string

	fsw     *fsnotify.Watcher
	targets map[string]bool

	mu     sync.Mutex
	timer  *time.Timer
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Watch starts watching opts.Path. onReload runs after every burst of
// changes that yields a valid configuration; invalid files are logged and
// skipped.
func Watch(opts Options, onReload ReloadFunc, wopts ...WatchOption) (*Watcher, error) {
	if opts.Path == "" {
		return nil, errors.New("watch: no configuration file")
	}

	w := &Watcher{
		opts:     opts,
		onReload: onReload,
		debounce: DefaultDebounce,
		logger:   slog.New(slog.DiscardHandler),
		targets:  make(map[string]bool),
		done:     make(chan struct{}),
	}
	for _, opt := range wopts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.fsw = fsw

	dirs := make(map[string]bool)
	for _, p := range append([]string{opts.Path}, w.extra...) {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		w.targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.targets[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	cfg, err := Load(w.opts)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.opts.Path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.opts.Path)
	w.onReload(cfg)
}
