package engine

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/scriptschnell/internal/graph"
	"github.com/codefionn/scriptschnell/internal/logging"
)

// DefaultDebounce is the spec's default hot-reload debounce window.
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes a graph file on disk and hot-reloads the engine on
// change, with a debounce window and mutually exclusive reloads (spec
// §4.3 "Hot reload").
type Watcher struct {
	path     string
	engine   *Engine
	logger   *logging.Logger
	debounce time.Duration

	fsw    *fsnotify.Watcher
	stopCh chan struct{}

	mu        sync.Mutex
	reloading bool
}

// NewWatcher starts watching path (but does not begin reloading until
// Start is called).
func NewWatcher(path string, eng *Engine, logger *logging.Logger, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logging.Global()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		engine:   eng,
		logger:   logger,
		debounce: debounce,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start runs the watch loop in its own goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop tears down the underlying filesystem watcher and ends the loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fsw.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("graph watcher error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if w.reloading {
		w.mu.Unlock()
		return
	}
	w.reloading = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.reloading = false
		w.mu.Unlock()
	}()

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("graph reload: read failed: %v", err)
		return
	}
	g, err := graph.Parse(data)
	if err != nil {
		w.logger.Warn("graph reload: validation failed: %v", err)
		return
	}
	if err := w.engine.LoadGraph(g); err != nil {
		w.logger.Warn("graph reload: load failed: %v", err)
		return
	}
	w.logger.Info("graph reloaded")
}
