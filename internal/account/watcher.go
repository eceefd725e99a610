package account

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wafrelay/wafrelay/internal/logging"
)

// debounceDelay coalesces editor write bursts into a single reload.
const debounceDelay = 500 * time.Millisecond

// Watch reloads the pool whenever its accounts file changes on disk. The
// parent directory is watched because most editors replace the file by
// rename, which drops a watch on the file itself. Blocks until ctx is
// cancelled.
func (p *Pool) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	logging.Info("watching accounts file", zap.String("file", p.path))

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := p.Load(); err != nil {
					logging.Error("accounts reload failed", zap.Error(err))
					return
				}
				logging.Info("accounts reloaded after file change")
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("accounts watcher error", zap.Error(err))
		}
	}
}
