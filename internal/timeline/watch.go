package timeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"luminara.dev/orchestrator/internal/logging"
)

// CorruptionWatch observes a file-backed sink between Persist calls and
// reports external modification of the timeline file as an ErrCorruption
// through the callback. The orchestrator treats that as fatal (exit code 5).
type CorruptionWatch struct {
	watcher  *fsnotify.Watcher
	path     string
	onEvent  func(error)
	mu       sync.Mutex
	expected time.Time // set by ExpectWrite at the start of each Persist; events within the grace window are ours
	done     chan struct{}
	wg       sync.WaitGroup
}

// persistGrace is how long after ExpectWrite a write event is attributed to
// the timeline's own Persist rather than an external writer.
const persistGrace = 500 * time.Millisecond

// NewCorruptionWatch starts watching path. onEvent is invoked (from the
// watcher goroutine) with an ErrCorruption for every suspect event.
func NewCorruptionWatch(path string, onEvent func(error)) (*CorruptionWatch, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("timeline: creating watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("timeline: watching %s: %w", path, err)
	}

	cw := &CorruptionWatch{watcher: watcher, path: path, onEvent: onEvent, done: make(chan struct{})}
	cw.wg.Add(1)
	go cw.loop()
	logging.TimelineDebug("corruption watch started on %s", path)
	return cw, nil
}

// ExpectWrite tells the watch the timeline itself is about to write, so the
// resulting events are not flagged. Call immediately before Persist.
func (cw *CorruptionWatch) ExpectWrite() {
	cw.mu.Lock()
	cw.expected = time.Now()
	cw.mu.Unlock()
}

func (cw *CorruptionWatch) loop() {
	defer cw.wg.Done()
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			cw.mu.Lock()
			ours := time.Since(cw.expected) < persistGrace
			cw.mu.Unlock()
			if ours {
				continue
			}
			logging.TimelineError("external modification of timeline file %s (%s)", cw.path, event.Op)
			cw.onEvent(ErrCorruption{Reason: fmt.Sprintf("timeline file externally modified (%s)", event.Op)})
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logging.TimelineError("watcher error on %s: %v", cw.path, err)
		}
	}
}

// Close stops the watch.
func (cw *CorruptionWatch) Close() error {
	close(cw.done)
	err := cw.watcher.Close()
	cw.wg.Wait()
	return err
}
