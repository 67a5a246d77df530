package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch calls fn with the current instance list, then again whenever an
// instance file is written or removed. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, fn func([]*Instance)) error {
	if err := os.MkdirAll(r.dir, DefaultDirMode); err != nil {
		return fmt.Errorf("create instances directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch instances directory: %w", err)
	}

	notify := func() {
		instances, err := r.List()
		if err != nil {
			r.log.Warn("Instance scan failed", zap.Error(err))
			return
		}
		fn(instances)
	}
	notify()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, instanceSuffix) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				notify()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("Instance watcher error", zap.Error(err))
		}
	}
}
