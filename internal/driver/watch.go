package driver

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/core/event"
)

// watchScripts invalidates compiled chunks as mudlib files change on
// disk. Directories created while watching are picked up so new areas
// reload too.
func (d *Driver) watchScripts(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("script watcher: %w", err)
	}
	defer w.Close()

	root := d.cfg.Mudlib.Path
	err = filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("script watcher: %w", err)
	}
	d.log.Info("hot reload active", zap.String("root", root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if fi, serr := os.Stat(ev.Name); serr == nil && fi.IsDir() {
					if aerr := w.Add(ev.Name); aerr != nil {
						d.log.Warn("watch add failed",
							zap.String("dir", ev.Name),
							zap.Error(aerr))
					}
					continue
				}
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			path := d.bridge.Scripts().PathForFile(ev.Name)
			if path == "" {
				continue
			}
			d.bridge.Scripts().Invalidate(path)
			event.Emit(d.events, event.ScriptChanged{Path: path})
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("script watcher error", zap.Error(werr))
		}
	}
}
