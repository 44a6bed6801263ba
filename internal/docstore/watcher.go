package docstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is called with the folder and files that changed
type ChangeCallback func(folder string, changedFiles []string)

// Watcher monitors task document folders for external edits. It exists for
// UI refresh only; run correctness never depends on it because the
// controller re-reads documents before every decision.
type Watcher struct {
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	debounce time.Duration

	folders map[string]struct{}

	pendingByFolder map[string]map[string]struct{}
	timer           *time.Timer
	mu              sync.Mutex

	cancel context.CancelFunc
}

// NewWatcher creates a watcher for task document folders
func NewWatcher(callback ChangeCallback) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:         watcher,
		callback:        callback,
		debounce:        500 * time.Millisecond, // Debounce rapid changes
		folders:         make(map[string]struct{}),
		pendingByFolder: make(map[string]map[string]struct{}),
	}, nil
}

// AddFolder starts watching a task document folder
func (w *Watcher) AddFolder(folder string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.folders[folder]; exists {
		return nil // Already watching
	}
	if err := w.watcher.Add(folder); err != nil {
		return err
	}
	w.folders[folder] = struct{}{}
	return nil
}

// RemoveFolder stops watching a folder
func (w *Watcher) RemoveFolder(folder string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.folders[folder]; !exists {
		return
	}
	w.watcher.Remove(folder)
	delete(w.folders, folder)
	delete(w.pendingByFolder, folder)
}

// Start begins watching for file changes
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Stop stops watching for file changes
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".md") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	folder := w.findFolder(event.Name)
	if folder == "" {
		return
	}

	if w.pendingByFolder[folder] == nil {
		w.pendingByFolder[folder] = make(map[string]struct{})
	}
	w.pendingByFolder[folder][event.Name] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) findFolder(filePath string) string {
	for folder := range w.folders {
		if strings.HasPrefix(filePath, folder) {
			return folder
		}
	}
	return ""
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pendingByFolder
	w.pendingByFolder = make(map[string]map[string]struct{})
	w.mu.Unlock()

	if w.callback == nil {
		return
	}

	for folder, fileMap := range pending {
		files := make([]string, 0, len(fileMap))
		for f := range fileMap {
			files = append(files, f)
		}
		if len(files) > 0 {
			w.callback(folder, files)
		}
	}
}

// SetDebounce sets the debounce duration for batching file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}
