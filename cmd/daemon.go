package cmd

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/health"
	"grimm.is/appwall/internal/i18n"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/metrics"
	"grimm.is/appwall/internal/ratelimit"
	"grimm.is/appwall/internal/reconcile"
	"grimm.is/appwall/internal/rules"
)

const (
	// reloadDebounce coalesces the burst of events an atomic file replace produces.
	reloadDebounce   = 300 * time.Millisecond
	journalRetention = 90 * 24 * time.Hour
	shutdownTimeout  = 10 * time.Second

	// At most dropLogBurst drop lines per application per dropLogWindow.
	dropLogBurst  = 5
	dropLogWindow = time.Minute
)

// RunDaemon runs the enforcement daemon in the foreground until SIGINT or SIGTERM.
func RunDaemon(args []string) error {
	var g GlobalFlags
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	g.register(fs)
	teardown := fs.Bool("teardown", false, "Remove all enforcement state on exit")
	fs.Parse(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signals are handled from the start so a slow backend open can be interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			if sig != syscall.SIGHUP {
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	reg := metrics.Get()
	a, err := openApp(ctx, g, openOptions{daemon: true, metrics: reg})
	if err != nil {
		return err
	}
	defer a.Close()
	signal.Stop(sigCh)

	d := &daemon{
		app:      a,
		metrics:  reg,
		logger:   a.logger.WithComponent("daemon"),
		dropLogs: ratelimit.NewLimiter(dropLogBurst, dropLogWindow, nil),
	}
	return d.run(ctx, cancel, *teardown)
}

type daemon struct {
	*app
	metrics *metrics.Registry
	logger  *logging.Logger

	// marks maps nftables marks back to rule paths for drop accounting.
	marksMu sync.RWMutex
	marks   map[uint32]string

	dropLogs *ratelimit.Limiter
	attr     *firewall.Attribution
}

func (d *daemon) run(ctx context.Context, cancel context.CancelFunc, teardown bool) error {
	d.logger.Info("Starting daemon", "rules", d.store.Path(), "backend", d.backend.Name())

	if d.journal != nil {
		if n, err := d.journal.Prune(ctx, time.Now().Add(-journalRetention)); err != nil {
			d.logger.Warn("Failed to prune journal", "error", err)
		} else if n > 0 {
			d.logger.Info("Pruned journal", "events", n)
		}
	}

	var wg sync.WaitGroup

	collector := metrics.NewCollector(d.metrics, d.store, d.logger, d.cfg.RefreshIntervalDuration())
	collector.Start(ctx)
	defer collector.Stop()

	d.refresh(ctx, "startup")

	if !d.isDryRun() {
		attr, err := firewall.StartAttribution(ctx, d.cfg, d.engine.Attribute, firewall.AttributionHooks{
			OnVerdict: func(path string, _ uint32) { d.metrics.RecordVerdict(path != "") },
			OnDrop:    d.onDrop,
		}, d.logger)
		if err != nil {
			d.logger.Error("Packet attribution unavailable; new flows are not classified", "error", err)
		}
		d.attr = attr
		defer attr.Stop()
	}

	srv := d.serveHTTP(&wg)

	watcher, err := d.watchRules()
	if err != nil {
		d.logger.Warn("Rules file watcher unavailable; relying on periodic refresh", "error", err)
	}
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		defer watcher.Close()
		events, watchErrs = watcher.Events, watcher.Errors
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	// A zero refresh interval disables periodic passes.
	var tick <-chan time.Time
	if interval := d.cfg.RefreshIntervalDuration(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()

	base := filepath.Base(d.store.Path())
	for {
		select {
		case <-ctx.Done():
			return d.shutdown(srv, &wg, teardown)

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				d.logger.Info("Received SIGHUP, refreshing rules")
				d.refresh(ctx, "sighup")
			default:
				d.logger.Info("Received signal, shutting down...", "signal", sig)
				cancel()
			}

		case ev := <-events:
			if filepath.Base(ev.Name) == base && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(reloadDebounce)
			}

		case err := <-watchErrs:
			d.logger.Warn("Rules file watcher error", "error", err)

		case <-debounce.C:
			d.refresh(ctx, "rules file changed")

		case <-d.engine.Changed():
			d.refresh(ctx, "new application registered")

		case <-tick:
			d.refresh(ctx, "periodic")
			d.dropLogs.Cleanup(dropLogWindow * 10)
		}
	}
}

func (d *daemon) isDryRun() bool {
	_, ok := firewall.Unwrap(d.backend).(*firewall.MemoryBackend)
	return ok
}

// refresh reloads the rules file and reconciles; failures are logged and
// retried on the next trigger.
func (d *daemon) refresh(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	d.logger.Debug("Refreshing", "reason", reason)
	rep, err := d.engine.Refresh(ctx)
	if err != nil {
		d.logger.Error("Refresh failed", "reason", reason, "error", err)
		return
	}
	d.updateMarks()
	if !rep.OK() {
		d.logger.Warn("Enforcement incomplete", "reason", reason, "failed", len(rep.Failed), "pass", rep.ID)
	}
}

func (d *daemon) updateMarks() {
	marks := make(map[uint32]string)
	for p, r := range d.store.List() {
		if r.State == rules.Blocked {
			marks[firewall.MarkFor(p)] = p
		}
	}
	d.marksMu.Lock()
	d.marks = marks
	d.marksMu.Unlock()
}

func (d *daemon) onDrop(drop firewall.Drop) {
	path := d.pathForMark(drop.Mark)
	d.metrics.RecordDrop(path)

	key := path
	if key == "" {
		key = "unknown"
	}
	ok, suppressed := d.dropLogs.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		d.logger.Info("Dropped packet", "app", key, "mark", drop.Mark, "suppressed", suppressed)
		return
	}
	d.logger.Info("Dropped packet", "app", key, "mark", drop.Mark)
}

func (d *daemon) pathForMark(mark uint32) string {
	d.marksMu.RLock()
	defer d.marksMu.RUnlock()
	return d.marks[mark]
}

// watchRules watches the rules directory; the file itself is replaced by
// rename on every write.
func (d *daemon) watchRules() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(d.store.Path())); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (d *daemon) serveHTTP(wg *sync.WaitGroup) *http.Server {
	listen := d.cfg.Metrics.Listen
	if listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	checker := health.NewChecker(nil)
	checker.Register("backend", health.BackendCheck(d.backend))
	checker.Register("reconcile", health.ReconcileCheck(d.engine))
	checker.Register("rules", health.FileCheck(d.store.Path()))
	if d.attr != nil {
		checker.Register("attribution", health.AttributionCheck(d.attr))
	}
	mux.Handle("/healthz", checker.Handler())
	mux.Handle("/livez", health.LivenessHandler())
	mux.Handle("/status", i18n.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := d.engine.State()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if state == reconcile.Error {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		i18n.GetPrinter(r.Context()).Fprintf(w, "state: %s\n", state)
	})))

	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.logger.Info("Serving metrics", "listen", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

func (d *daemon) shutdown(srv *http.Server, wg *sync.WaitGroup, teardown bool) error {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			d.logger.Warn("Metrics server shutdown", "error", err)
		}
	}
	d.logger.Info("Waiting for services to stop...")
	wg.Wait()

	if teardown {
		if t, ok := firewall.Unwrap(d.backend).(interface{ Teardown() error }); ok {
			if err := t.Teardown(); err != nil {
				d.logger.Error("Teardown failed", "error", err)
				return err
			}
			d.logger.Info("Removed enforcement state")
		}
	}
	d.logger.Info("Daemon stopped")
	return nil
}
