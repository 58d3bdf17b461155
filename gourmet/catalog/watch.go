package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog whenever its source file changes. It returns
// once the watcher is installed; reloading stops when ctx is done. A file
// that fails to parse leaves the current menu in place. notify, when set,
// is called after every reload attempt with its result.
func (c *Catalog) Watch(ctx context.Context, log *slog.Logger, notify func(error)) error {
	if c.path == "" {
		return errors.New("catalog: not loaded from a file")
	}
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: watcher: %w", err)
	}
	// Watch the directory: editors often replace files by rename.
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("catalog: watch %s: %w", c.path, err)
	}
	target := filepath.Clean(c.path)

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				err := c.reload()
				if err != nil {
					log.WarnContext(ctx, "catalog.reload.fail", slog.String("path", c.path), slog.String("err", err.Error()))
				} else {
					log.InfoContext(ctx, "catalog.reload.ok", slog.String("path", c.path), slog.Int("items", len(c.Items())))
				}
				if notify != nil {
					notify(err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.DebugContext(ctx, "catalog.watch.error", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

func (c *Catalog) reload() error {
	items, err := readFile(c.path)
	if err != nil {
		return err
	}
	c.Replace(items)
	return nil
}
