package daemon

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/dirpoller/internal/pipeline"
)

// folderNotifier wakes the poller when a watched folder changes. The poll
// interval still applies when no event arrives.
type folderNotifier struct {
	watcher *fsnotify.Watcher
	poller  *Poller
}

func newFolderNotifier(p *Poller) (*folderNotifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, fs := range p.folders {
		if err := w.Add(fs.folder.Path); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", fs.folder.Path, err)
		}
	}
	return &folderNotifier{watcher: w, poller: p}, nil
}

// run forwards relevant events until ctx is done or the watcher is closed.
func (n *folderNotifier) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-n.watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			n.poller.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			n.poller.Wake()
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return nil
			}
			n.poller.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (n *folderNotifier) Close() error {
	return n.watcher.Close()
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	return !pipeline.IsBookkeepingFile(filepath.Base(event.Name))
}
