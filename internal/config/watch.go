// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	xlog "github.com/montyhome/homectl/internal/log"
)

// StartWatcher watches the config document's directory and reloads the store
// when the file changes on disk. Watching the directory instead of the file
// survives the rename-over writes editors and our own saves perform.
func (s *Store) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				s.logger.Debug().Err(err).Msg("close config watcher")
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn().Err(err).Str(xlog.FieldEvent, "config.watch_reload_failed").Msg("config reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Str(xlog.FieldEvent, "config.watch_error").Msg("config watcher error")
			}
		}
	}()
	return nil
}
