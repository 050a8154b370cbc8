package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "jobrunner/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherClosed = errors.New("watcher closed")

// debouncer runs fn once events have been quiet for delay.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) poke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Watch reloads the config file on change until ctx is done. The file's
// directory is watched so editors that replace the file are seen. A broken
// watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir), logx.String("file", file))

	deb := &debouncer{delay: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	backoff := watchBackoffBase
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, file, deb, log, func() { backoff = watchBackoffBase })
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", backoff))

		sleep := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
	}
	return nil
}

// watchOnce runs a single fsnotify watcher until it breaks or ctx ends.
// started is called once the directory is registered.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, deb *debouncer, log logx.Logger, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	log.Debug("config watcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&reloadOps != 0 {
				log.Debug("config change detected; scheduling reload", logx.String("op", ev.Op.String()))
				deb.poke()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			switch {
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; reload once to catch up.
				log.Warn("config watch overflow; forcing reload", logx.Err(err))
				deb.poke()
			case errors.Is(err, fsnotify.ErrClosed):
				return err
			default:
				log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
