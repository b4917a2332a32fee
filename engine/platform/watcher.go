package platform

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/lumen/engine/containers"
	"github.com/spaghettifunk/lumen/engine/core"
)

type FileAction uint8

const (
	FileAdded FileAction = iota
	FileRemoved
	FileModified
	FileRenamedOld
)

func (a FileAction) String() string {
	switch a {
	case FileAdded:
		return "added"
	case FileRemoved:
		return "removed"
	case FileModified:
		return "modified"
	case FileRenamedOld:
		return "renamed-from"
	}
	return "unknown"
}

// Changed reports whether the file has new content to pick up.
func (a FileAction) Changed() bool {
	return a == FileModified || a == FileAdded
}

type FileEvent struct {
	Path   string
	Action FileAction
}

var ErrWatcherClosed = errors.New("file watcher already closed")

// FileWatcher reports changes to individual files. It watches the parent
// directory of every file so saves that replace the file are still seen.
// A tracked file that disappears and is created again is reported as added.
// Events are queued by a background goroutine and handed out by Poll.
type FileWatcher struct {
	fsnotify *fsnotify.Watcher

	mutex  sync.Mutex
	files  map[string]struct{}
	gone   map[string]struct{}
	dirs   map[string]struct{}
	queue  *containers.RingQueue[FileEvent]
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewFileWatcher() (*FileWatcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	fw := &FileWatcher{
		fsnotify: fsWatch,
		files:    make(map[string]struct{}),
		gone:     make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
		queue:    containers.NewGrowableRingQueue[FileEvent](64),
		done:     make(chan struct{}),
	}
	fw.wg.Add(1)
	go fw.start()
	return fw, nil
}

// Watch starts reporting events for path. Watching a path twice is a no-op.
func (fw *FileWatcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)

	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	if fw.closed {
		return ErrWatcherClosed
	}
	if _, ok := fw.files[abs]; ok {
		return nil
	}
	dir := filepath.Dir(abs)
	if _, ok := fw.dirs[dir]; !ok {
		if err := fw.fsnotify.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		fw.dirs[dir] = struct{}{}
	}
	fw.files[abs] = struct{}{}
	return nil
}

// Poll returns the events queued since the last call, oldest first.
func (fw *FileWatcher) Poll() []FileEvent {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	if fw.queue.IsEmpty() {
		return nil
	}
	return fw.queue.Drain()
}

func (fw *FileWatcher) Close() error {
	fw.mutex.Lock()
	if fw.closed {
		fw.mutex.Unlock()
		return nil
	}
	fw.closed = true
	fw.mutex.Unlock()

	close(fw.done)
	fw.wg.Wait()
	return fw.fsnotify.Close()
}

func (fw *FileWatcher) start() {
	defer fw.wg.Done()
	for {
		select {
		case e, ok := <-fw.fsnotify.Events:
			if !ok {
				return
			}
			fw.handleEvent(e)

		case err, ok := <-fw.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("file watcher: %s", err.Error())

		case <-fw.done:
			return
		}
	}
}

func (fw *FileWatcher) handleEvent(e fsnotify.Event) {
	path := filepath.Clean(e.Name)

	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	if _, ok := fw.files[path]; !ok {
		return
	}

	var action FileAction
	switch {
	case e.Has(fsnotify.Create):
		// Without a preceding remove or rename this is an editor replacing
		// the file on save.
		action = FileModified
		if _, ok := fw.gone[path]; ok {
			delete(fw.gone, path)
			action = FileAdded
		}
	case e.Has(fsnotify.Write):
		action = FileModified
	case e.Has(fsnotify.Remove):
		action = FileRemoved
		fw.gone[path] = struct{}{}
	case e.Has(fsnotify.Rename):
		action = FileRenamedOld
		fw.gone[path] = struct{}{}
	default:
		return
	}
	if err := fw.queue.Enqueue(FileEvent{Path: path, Action: action}); err != nil {
		core.LogWarn("file watcher dropped %s event for %s: %s", action, path, err.Error())
	}
}
