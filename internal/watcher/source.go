package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"cofer/internal/logger"
	"cofer/internal/pathfilter"

	"github.com/fsnotify/fsnotify"
)

// eventSource delivers worktree-relative paths that changed
type eventSource interface {
	Events() <-chan string
	Errors() <-chan error
	Close() error
}

// fsSource watches a tree recursively with fsnotify. Directories created
// after start are added as they appear. Excluded paths never produce events
// and excluded directories are never watched.
type fsSource struct {
	root   string
	filter *pathfilter.Filter
	w      *fsnotify.Watcher

	events chan string
	errors chan error
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newFSSource(root string, filter *pathfilter.Filter) (*fsSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &fsSource{
		root:   root,
		filter: filter,
		w:      w,
		events: make(chan string, 64),
		errors: make(chan error, 4),
		done:   make(chan struct{}),
	}
	if err := s.addTree(root, false); err != nil {
		w.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.pump()
	return s, nil
}

func (s *fsSource) Events() <-chan string { return s.events }
func (s *fsSource) Errors() <-chan error  { return s.errors }

func (s *fsSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.w.Close()
		s.wg.Wait()
	})
	return err
}

func (s *fsSource) rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return rel
}

// addTree watches dir and every non-excluded directory below it. With
// report set, files already inside are emitted, since they may have been
// written before the watch existed.
func (s *fsSource) addTree(dir string, report bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished while walking; the remove event covers it.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel := s.rel(path)
		if !d.IsDir() {
			if report && !s.filter.Excluded(rel, false) {
				s.emit(rel)
			}
			return nil
		}
		if path != s.root && s.filter.Excluded(rel, true) {
			return filepath.SkipDir
		}
		if err := s.w.Add(path); err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		return nil
	})
}

func (s *fsSource) emit(rel string) {
	select {
	case s.events <- rel:
	case <-s.done:
	}
}

func (s *fsSource) pump() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			rel := s.rel(ev.Name)
			isDir := false
			if ev.Has(fsnotify.Create) {
				if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
					isDir = true
				}
			}
			if s.filter.Excluded(rel, isDir) {
				continue
			}
			if isDir {
				if err := s.addTree(ev.Name, true); err != nil {
					logger.WithError(err).WithField("path", ev.Name).Warn("Failed to watch new directory")
				}
			}
			s.emit(rel)
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			default:
			}
		}
	}
}
