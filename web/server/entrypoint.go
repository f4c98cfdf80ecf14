// Package server implements the entry point for running the target fusion node.
package server

import (
	"context"
	"net"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/targetfusion/config"
	"go.viam.com/targetfusion/logging"
	"go.viam.com/targetfusion/referenceframe"
	"go.viam.com/targetfusion/ros"
	"go.viam.com/targetfusion/services/targettracker"
)

// Arguments are the command line overrides applied on top of the config file.
type Arguments struct {
	ConfigFile string
	Target     string
	Debug      bool
	Bind       string
	Bag        string
	Realtime   bool
	WebProfile bool
}

// RunServer reads the config, applies the command line overrides and serves until ctx is done.
func RunServer(ctx context.Context, args Arguments, logger logging.Logger) (err error) {
	cfg, err := loadConfig(ctx, args, logger)
	if err != nil {
		return err
	}

	closeLog, err := configureLogging(logger, cfg.Log, args.Debug)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closeLog())
	}()

	listener, err := net.Listen("tcp", cfg.Web.Bind)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %q", cfg.Web.Bind)
	}

	err = serveWeb(ctx, cfg, listener, clock.New(), logger)
	if err != nil {
		logger.Errorw("error serving web", "error", err)
	}
	return err
}

func loadConfig(ctx context.Context, args Arguments, logger logging.Logger) (*config.Config, error) {
	var cfg *config.Config
	if args.ConfigFile == "" {
		cfg = config.NewDefaultConfig()
	} else {
		var err error
		if cfg, err = config.Read(ctx, args.ConfigFile, logger); err != nil {
			return nil, err
		}
	}

	if args.Target != "" {
		cfg.Tracker.PersonName = args.Target
	}
	if args.Bind != "" {
		cfg.Web.Bind = args.Bind
	}
	if args.WebProfile {
		cfg.Web.Pprof = true
	}
	if args.Bag != "" {
		cfg.Source = &config.SourceConfig{
			Type:       config.SourceTypeRosbag,
			Attributes: config.AttributeMap{"path": args.Bag, "realtime": args.Realtime},
		}
	}
	if err := cfg.Ensure(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogging sets the level and adds the rotating file appender if one is configured. The
// returned func closes the log file.
func configureLogging(logger logging.Logger, cfg config.LogConfig, debug bool) (func() error, error) {
	level := cfg.Level
	if debug {
		level = logging.DEBUG
	}
	logger.SetLevel(level)
	logger.Infow("log level initialized", "level", level)

	if cfg.File == "" {
		return func() error { return nil }, nil
	}
	maxSize := cfg.MaxSizeMB
	if maxSize == 0 {
		maxSize = 100
	}
	appender := logging.NewFileAppender(cfg.File, maxSize, cfg.MaxBackups)
	logger.AddAppender(appender)
	return appender.Close, nil
}

// newTree builds a transform tree holding the configured static frames.
func newTree(cfg *config.Config, clk clock.Clock) (*referenceframe.TransformTree, error) {
	tree := referenceframe.NewTransformTree(cfg.Tracker.CacheHorizon(), clk)
	for _, tf := range cfg.StaticTransforms() {
		if err := tree.InsertStatic(tf); err != nil {
			return nil, errors.Wrapf(err, "failed to add static frame %q", tf.Child)
		}
	}
	return tree, nil
}

func serveWeb(
	ctx context.Context,
	cfg *config.Config,
	listener net.Listener,
	clk clock.Clock,
	logger logging.Logger,
) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tree, err := newTree(cfg, clk)
	if err != nil {
		return multierr.Combine(err, listener.Close())
	}

	svc, err := targettracker.New(ctx, cfg.Tracker, tree, clk, logger.Sublogger("tracker"))
	if err != nil {
		return multierr.Combine(err, listener.Close())
	}
	defer func() {
		err = multierr.Combine(err, svc.Close(context.Background()))
	}()

	replay, err := cfg.Source.Replay()
	if err != nil {
		return multierr.Combine(err, listener.Close())
	}
	if replay != nil {
		events, loadErr := ros.LoadBag(*replay)
		if loadErr != nil {
			return multierr.Combine(loadErr, listener.Close())
		}
		replayLogger := logger.Sublogger("replay")
		utils.PanicCapturingGo(func() {
			if _, err := ros.Replay(ctx, events, svc, *replay, replayLogger); err != nil &&
				!errors.Is(err, context.Canceled) {
				replayLogger.Errorw("bag replay stopped", "path", replay.Path, "error", err)
			}
		})
	}

	watcher, err := config.NewWatcher(ctx, cfg, logger.Sublogger("config"))
	if err != nil {
		return multierr.Combine(err, listener.Close())
	}
	defer func() {
		err = multierr.Combine(err, watcher.Close())
	}()

	srv := targettracker.NewServer(svc, tree, logger.Sublogger("web"), targettracker.ServerOptions{Pprof: cfg.Web.Pprof})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, listener)
	})
	g.Go(func() error {
		current := cfg
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-watcher.Config():
				applied, err := applyConfig(gctx, svc, current, next, logger)
				if err != nil {
					return err
				}
				current = applied
			}
		}
	})
	return g.Wait()
}

// applyConfig applies the parts of a changed config that can change while running and returns
// the config now in effect. Everything else needs a restart and is only reported.
func applyConfig(
	ctx context.Context,
	svc targettracker.Service,
	current, next *config.Config,
	logger logging.Logger,
) (*config.Config, error) {
	applied := *current
	tracker := *current.Tracker
	applied.Tracker = &tracker

	if next.Tracker.PersonName != current.Tracker.PersonName {
		stored, err := svc.SetTargetName(ctx, next.Tracker.PersonName)
		if err != nil {
			return nil, errors.Wrap(err, "failed to apply person_name")
		}
		logger.Infow("target name changed from config", "previous", current.Tracker.PersonName, "name", stored)
		tracker.PersonName = next.Tracker.PersonName
	}
	if next.Log.Level != current.Log.Level {
		logger.SetLevel(next.Log.Level)
		logger.Infow("log level changed", "level", next.Log.Level)
		applied.Log.Level = next.Log.Level
	}

	if !cmp.Equal(&applied, next, cmpopts.IgnoreFields(config.SourceConfig{}, "ConvertedAttributes")) {
		logger.Warnw("config changed in ways that require a restart", "path", next.ConfigFilePath)
	}
	return &applied, nil
}
