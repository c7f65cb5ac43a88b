package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"pewpost/internal/retry"
	logx "pewpost/pkg/logx"
)

const (
	watchDebounce       = 250 * time.Millisecond
	watchValidateBudget = 5 * time.Second
)

var errWatcherBroken = errors.New("config watcher broken")

// Watch reloads the config whenever its file changes, until ctx ends.
// The parent directory is watched so editors that replace the file by
// rename are handled. A broken fsnotify watcher is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	backoff := retry.New(watchDebounce, 5*time.Second)
	failures := 0
	for ctx.Err() == nil {
		err := m.watchOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		wait := backoff.NextDelay(failures)
		failures++
		m.log.Warn("config watcher stopped; restarting",
			logx.String("path", m.path),
			logx.Err(err),
			logx.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
	return nil
}

func (m *ConfigManager) watchOnce(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	schedule := func() {
		timer.Stop()
		timer.Reset(watchDebounce)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherBroken
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				m.log.Debug("config change detected", logx.String("op", ev.Op.String()))
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherBroken
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				schedule()
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.Err(err))
			}
		case <-timer.C:
			m.reloadFromWatch(ctx)
		}
	}
}

func (m *ConfigManager) reloadFromWatch(ctx context.Context) {
	vctx, cancel := context.WithTimeout(ctx, watchValidateBudget)
	defer cancel()
	_, err := m.Reload(vctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnchanged):
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
	default:
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
	}
}
