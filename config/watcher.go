package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/targetfusion/logging"
)

// reloadDelay coalesces the bursts of events a single save produces.
const reloadDelay = 100 * time.Millisecond

// A Watcher delivers new versions of a config as its source changes.
type Watcher interface {
	Config() <-chan *Config
	Close() error
}

// NewWatcher returns a watcher for the file the config was read from. A config that was not read
// from a file never changes.
func NewWatcher(ctx context.Context, cfg *Config, logger logging.Logger) (Watcher, error) {
	if cfg.ConfigFilePath == "" {
		return noopWatcher{}, nil
	}
	return newFSWatcher(ctx, cfg, logger)
}

type noopWatcher struct{}

func (noopWatcher) Config() <-chan *Config {
	return nil
}

func (noopWatcher) Close() error {
	return nil
}

type fsConfigWatcher struct {
	fsWatcher *fsnotify.Watcher
	configCh  chan *Config
	workers   *goutils.StoppableWorkers
}

// newFSWatcher watches the config's directory so editors that replace the file on save are
// still seen.
func newFSWatcher(ctx context.Context, cfg *Config, logger logging.Logger) (*fsConfigWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config watcher")
	}
	path := filepath.Clean(cfg.ConfigFilePath)
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		return nil, errors.Wrapf(multierr.Combine(err, fsWatcher.Close()), "failed to watch %q", path)
	}

	w := &fsConfigWatcher{fsWatcher: fsWatcher, configCh: make(chan *Config)}
	reloadCh := make(chan struct{}, 1)
	debounced := debounce.New(reloadDelay)
	last := cfg
	w.workers = goutils.NewBackgroundStoppableWorkers(func(cancelCtx context.Context) {
		for {
			select {
			case <-cancelCtx.Done():
				return
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				logger.Errorw("config watcher error", "error", err)
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				debounced(func() {
					select {
					case reloadCh <- struct{}{}:
					default:
					}
				})
			case <-reloadCh:
				newCfg, err := Read(ctx, path, logger)
				if err != nil {
					logger.Errorw("error reading config after file change", "path", path, "error", err)
					continue
				}
				if cmp.Equal(last, newCfg) {
					continue
				}
				last = newCfg
				select {
				case <-cancelCtx.Done():
					return
				case w.configCh <- newCfg:
				}
			}
		}
	})
	return w, nil
}

func (w *fsConfigWatcher) Config() <-chan *Config {
	return w.configCh
}

func (w *fsConfigWatcher) Close() error {
	err := w.fsWatcher.Close()
	w.workers.Stop()
	return err
}
