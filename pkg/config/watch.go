package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the configuration whenever a config file under the .trios
// directory changes, invoking onChange with each successfully reloaded
// config. Failed reloads keep the last good state and are logged. Watch
// blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, log logrus.FieldLogger, onChange func(*ShellConfig)) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dir, err := l.locateTriosDir()
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isConfigFile(evt.Name) {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config: watch error")
		case <-fire:
			cfg, err := l.Reload()
			if err != nil {
				log.WithError(err).Warn("config: reload failed")
				continue
			}
			log.WithField("path", cfg.SourcePath).Info("config: reloaded")
			if onChange != nil {
				onChange(cfg)
			}
		}
	}
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	switch strings.ToLower(base) {
	case "config.yaml", "config.yml", "config.json":
		return true
	default:
		return false
	}
}
