package persona

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	pkgerrors "github.com/pkg/errors"

	"github.com/balakunbot/balakun/pkg/logger"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the persona whenever one of its files changes, until
// ctx is cancelled. Parent directories are watched so editors that
// replace files wholesale still trigger a reload. A broken edit keeps
// the previous snapshot.
func (p *Persona) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create persona watcher")
	}
	defer watcher.Close()

	watched := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, path := range []string{p.configPath, p.promptPath, p.templatesPath} {
		watched[filepath.Clean(path)] = struct{}{}
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return pkgerrors.Wrapf(err, "failed to watch %s", dir)
		}
	}

	var debounce *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pending:
			pending = nil
			if err := p.Reload(ctx); err != nil {
				logger.G(ctx).WithError(err).Error("persona reload failed, keeping previous snapshot")
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, interested := watched[filepath.Clean(event.Name)]; !interested {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(reloadDebounce)
			pending = debounce.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.G(ctx).WithError(err).Warn("persona watcher error")
		}
	}
}
