// Package cmd implements the appwall subcommands.
package cmd

import (
	"context"
	"flag"
	"path/filepath"

	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/config"
	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/engine"
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/i18n"
	"grimm.is/appwall/internal/identity"
	"grimm.is/appwall/internal/journal"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/metrics"
	"grimm.is/appwall/internal/rules"
)

// Printer is the localized output printer for all commands.
var Printer = i18n.NewCLIPrinter()

// GlobalFlags are accepted by every subcommand.
type GlobalFlags struct {
	ConfigFile string
	DryRun     bool
	Verbose    bool
}

func (g *GlobalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.ConfigFile, "config", brand.DefaultConfigPath(), "Configuration file")
	fs.StringVar(&g.ConfigFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
	fs.BoolVar(&g.DryRun, "dry-run", false, "Use the in-memory backend; change no OS firewall state")
	fs.BoolVar(&g.Verbose, "v", false, "Verbose logging")
}

// app is everything a command needs, opened from the configuration.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *rules.Store
	journal *journal.Journal
	backend firewall.Backend
	engine  *engine.Engine
}

type openOptions struct {
	// daemon keeps info-level logging and retries opening the backend.
	daemon  bool
	metrics *metrics.Registry
}

func newLogger(cfg *config.Config, g GlobalFlags, daemon bool) *logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if !daemon && level < logging.LevelWarn {
		// One-shot commands report through their own output.
		level = logging.LevelWarn
	}
	if g.Verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{Level: level, JSON: cfg.Log.JSON})
	logging.SetDefault(logger)
	return logger
}

// loadConfig reads the configuration and sets up logging.
func loadConfig(g GlobalFlags, daemon bool) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(g.ConfigFile)
	if err != nil {
		return nil, nil, awerrors.Wrap(err, awerrors.KindValidation, "configuration invalid")
	}
	return cfg, newLogger(cfg, g, daemon), nil
}

func openApp(ctx context.Context, g GlobalFlags, opts openOptions) (*app, error) {
	cfg, logger, err := loadConfig(g, opts.daemon)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	// Legacy paths may be symlinks; fall back to lexical form for binaries
	// that are gone.
	norm := identity.NewResolver(identity.Options{CaseInsensitive: cfg.CaseInsensitivePaths, Logger: logger})
	a.store, err = rules.Open(rules.Options{
		Path:       cfg.RulesPath(),
		Default:    rules.State(cfg.DefaultState),
		LegacyPath: filepath.Join(filepath.Dir(cfg.RulesPath()), brand.LegacyBlockedFileName),
		Normalize: func(p string) string {
			if c, err := norm.Canonicalize(p); err == nil {
				return c
			}
			return norm.Lexical(p)
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	if path := cfg.JournalPath(); path != "" {
		a.journal, err = journal.Open(journal.Options{Path: path, Logger: logger})
		if err != nil {
			logger.Warn("Journal unavailable", "path", path, "error", err)
			a.journal = nil
		}
	}

	fwOpts := firewall.OpenOptions{DryRun: g.DryRun, Logger: logger}
	if opts.daemon {
		a.backend, err = firewall.OpenWithRetry(ctx, cfg, fwOpts, firewall.DefaultRetryConfig())
	} else {
		a.backend, err = firewall.Open(cfg, fwOpts)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine, err = engine.New(engine.Options{
		Config:  cfg,
		Store:   a.store,
		Backend: a.backend,
		Journal: a.journal,
		Metrics: opts.metrics,
		Logger:  logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the backend and the journal.
func (a *app) Close() {
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("Failed to close backend", "error", err)
		}
	}
	if a.journal != nil {
		a.journal.Close()
	}
}
