package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads hot tables when their files change on disk. Editors
// and deploy tooling usually replace files via rename, so it watches
// the parent directories and matches events by cleaned path.
type Watcher struct {
	mgr *Manager
	log zerolog.Logger
	fw  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
}

// NewWatcher starts watching the directories of all four table files.
func NewWatcher(mgr *Manager, log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		mgr:     mgr,
		log:     log.With().Str("component", "config.watch").Logger(),
		fw:      fw,
		pending: map[string]*time.Timer{},
		done:    make(chan struct{}),
	}

	t := mgr.Static().Tables
	dirs := map[string]bool{}
	for _, p := range []string{t.RoutesFile, t.PrivacyFile, t.EndpointsFile, t.PolicyFile} {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			table, ok := w.mgr.TableForPath(filepath.Clean(ev.Name))
			if !ok {
				continue
			}
			w.schedule(table)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

// schedule coalesces a burst of events for one table into one reload.
func (w *Watcher) schedule(table string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[table]; ok {
		t.Reset(reloadDebounce)
		return
	}
	w.pending[table] = time.AfterFunc(reloadDebounce, func() {
		w.mu.Lock()
		delete(w.pending, table)
		w.mu.Unlock()
		if err := w.mgr.Reload(table); err != nil {
			w.log.Error().Err(err).Str("table", table).Msg("reload failed, keeping previous table")
		}
	})
}

// Close stops the watcher and cancels pending reloads.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = map[string]*time.Timer{}
	w.mu.Unlock()
	return err
}
