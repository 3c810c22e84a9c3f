// Package engine is the core facade: it resolves identities, records rules,
// reconciles enforcement and reports live connections.
//
// Mutations (SetRuleState, RemoveRule, Refresh) are serialized by one mutex
// that spans the store write and the reconciliation pass. Reads never take it.
package engine

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/config"
	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/identity"
	"grimm.is/appwall/internal/journal"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/metrics"
	"grimm.is/appwall/internal/monitor"
	"grimm.is/appwall/internal/reconcile"
	"grimm.is/appwall/internal/rules"
)

// Application is one entry of ListApplications.
type Application struct {
	Identity identity.Identity `json:"identity"`
	Rule     rules.Rule        `json:"rule"`
	// HasRule is false when the configured default applies.
	HasRule bool `json:"has_rule"`
	// Connected is set for applications holding live connections.
	Connected bool `json:"connected"`
	// Enforced reports an active backend entry.
	Enforced bool `json:"enforced"`
	// Tampered is set when hash pinning is on and the binary no longer
	// matches the pinned hash.
	Tampered bool `json:"tampered,omitempty"`
}

// Options wires an Engine. Store and Backend are required.
type Options struct {
	Config  *config.Config
	Store   *rules.Store
	Backend firewall.Backend
	// Journal and Metrics are optional.
	Journal *journal.Journal
	Metrics *metrics.Registry
	// Processes and Source default to the OS implementations.
	Processes identity.ProcessLookup
	Source    monitor.Source
	// OnReport observes every reconciliation pass.
	OnReport []func(reconcile.Report)
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Engine implements the core interface.
type Engine struct {
	cfg      *config.Config
	store    *rules.Store
	backend  firewall.Backend
	journal  *journal.Journal
	metrics  *metrics.Registry
	resolver *identity.Resolver
	observer *monitor.Observer
	rec      *reconcile.Reconciler
	logger   *logging.Logger

	mu sync.Mutex

	// pending holds first-seen identities not yet in the store. Observation
	// only queues them; mutations and Refresh register them under mu.
	pendingMu sync.Mutex
	pending   map[string]identity.Identity

	// changed is signalled when a first-seen binary falls under a Blocked
	// default and enforcement needs a pass.
	changed chan struct{}
}

// New creates an engine. For OS backends it first checks privileges and
// fails with KindPermission when they are insufficient.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Backend == nil {
		return nil, awerrors.New(awerrors.KindValidation, "engine requires a rule store and a backend")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	e := &Engine{
		cfg:     cfg,
		store:   opts.Store,
		backend: opts.Backend,
		journal: opts.Journal,
		metrics: opts.Metrics,
		logger:  logger.WithComponent("engine"),
		pending: make(map[string]identity.Identity),
		changed: make(chan struct{}, 1),
	}
	if err := e.CheckPrivileges(); err != nil {
		return nil, err
	}

	e.resolver = identity.NewResolver(identity.Options{
		CaseInsensitive: cfg.CaseInsensitivePaths,
		Hashing:         cfg.HashPinning,
		Processes:       opts.Processes,
		OnFirstSeen:     e.noteFirstSeen,
		Logger:          logger,
	})

	obs, err := monitor.New(monitor.Options{
		Source:   opts.Source,
		Resolver: e.resolver,
		Rules:    e.store,
		Clock:    opts.Clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	e.observer = obs

	hooks := append([]func(reconcile.Report){}, opts.OnReport...)
	if e.metrics != nil {
		hooks = append(hooks, e.metrics.ObserveReport)
	}
	if e.journal != nil {
		hooks = append(hooks, e.journal.Observe)
	}
	e.rec = reconcile.New(reconcile.Options{
		Rules:    e.store,
		Backend:  e.backend,
		Clock:    opts.Clock,
		Logger:   logger,
		OnReport: hooks,
	})
	return e, nil
}

// CheckPrivileges fails fast with KindPermission when the process may not
// drive the OS firewall. It always passes for the in-memory backend.
func (e *Engine) CheckPrivileges() error {
	if _, ok := firewall.Unwrap(e.backend).(*firewall.MemoryBackend); ok {
		return nil
	}
	return firewall.CheckPrivileges()
}

// Resolver exposes the identity resolver, for the attribution worker.
func (e *Engine) Resolver() *identity.Resolver { return e.resolver }

// Store returns the rule store.
func (e *Engine) Store() *rules.Store { return e.store }

// State returns the reconciliation loop state.
func (e *Engine) State() reconcile.State { return e.rec.State() }

// LastReport returns the most recent reconciliation report.
func (e *Engine) LastReport() reconcile.Report { return e.rec.Last() }

// Changed is signalled when a newly seen application falls under a Blocked
// default; the next Refresh registers and enforces it.
func (e *Engine) Changed() <-chan struct{} { return e.changed }

// Attribute maps a PID to its canonical executable path. It fits
// firewall.Attributor.
func (e *Engine) Attribute(ctx context.Context, pid int32) (string, bool) {
	id, err := e.resolver.ResolvePID(ctx, pid)
	if err != nil {
		return "", false
	}
	return id.Path, true
}

// noteFirstSeen is the resolver's first-sighting hook. It runs on read paths
// (snapshots, packet attribution), so it only queues the identity.
func (e *Engine) noteFirstSeen(id identity.Identity) {
	if _, has := e.store.Lookup(id.Path); has {
		return
	}
	e.pendingMu.Lock()
	e.pending[id.Path] = id
	e.pendingMu.Unlock()

	if e.store.Default() == rules.Blocked {
		select {
		case e.changed <- struct{}{}:
		default:
		}
	}
}

// registerPending gives queued identities the default rule. Callers hold mu.
func (e *Engine) registerPending(ctx context.Context) {
	e.pendingMu.Lock()
	queued := e.pending
	e.pending = make(map[string]identity.Identity)
	e.pendingMu.Unlock()

	for _, id := range queued {
		created, err := e.store.Register(id.Path, id.Hash)
		if err != nil {
			e.logger.Warn("Failed to register application", "path", id.Path, "error", err)
			e.pendingMu.Lock()
			e.pending[id.Path] = id
			e.pendingMu.Unlock()
			continue
		}
		if !created {
			continue
		}
		def := e.store.Default()
		e.logger.Info("Registered new application", "path", id.Path, "state", def)
		e.recordRule(ctx, id.Path, "", def, rules.SourceDefault)
	}
}

func (e *Engine) recordRule(ctx context.Context, path string, old, updated rules.State, src rules.Source) {
	if e.metrics != nil {
		e.metrics.RecordRuleChange(updated)
	}
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordRule(ctx, path, old, updated, src); err != nil {
		e.logger.Warn("Failed to journal rule change", "path", path, "error", err)
	}
}

// ListApplications returns every application with a stored rule plus every
// application currently holding connections, ordered by path.
func (e *Engine) ListApplications(ctx context.Context) ([]Application, error) {
	apps := make(map[string]*Application)
	for p, r := range e.store.List() {
		id, ok := e.resolver.Lookup(p)
		if !ok {
			id = identity.Identity{Path: p, Name: filepath.Base(p), Hash: r.Hash}
		}
		apps[p] = &Application{Identity: id, Rule: r, HasRule: true}
	}

	live, err := e.observer.Applications(ctx)
	if err != nil {
		e.logger.Warn("Connection table unavailable, listing stored rules only", "error", err)
	}
	for _, id := range live {
		app, ok := apps[id.Path]
		if !ok {
			r, has := e.store.Lookup(id.Path)
			if !has {
				r = e.store.Get(id.Path)
			}
			app = &Application{Rule: r, HasRule: has}
			apps[id.Path] = app
		}
		app.Identity = id
		app.Connected = true
	}

	active, err := e.backend.QueryActive(ctx)
	if err != nil {
		e.logger.Warn("Failed to query enforcement state", "error", err)
	}
	for p := range firewall.EntriesByPath(active) {
		if app, ok := apps[p]; ok {
			app.Enforced = true
		}
	}

	out := make([]Application, 0, len(apps))
	for _, app := range apps {
		if e.cfg.HashPinning && app.Rule.Hash != "" {
			match, err := e.resolver.Verify(app.Identity, app.Rule.Hash)
			if err != nil {
				e.logger.Debug("Cannot verify pinned hash", "path", app.Identity.Path, "error", err)
			} else {
				app.Tampered = !match
			}
		}
		out = append(out, *app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Path < out[j].Identity.Path })
	return out, nil
}

// SetRuleState records state for the application at path and reconciles.
// A store failure, or a backend failure for this application, is returned;
// failures for other applications are only in the report.
func (e *Engine) SetRuleState(ctx context.Context, path string, state rules.State) (reconcile.Report, error) {
	if !state.Valid() {
		return reconcile.Report{}, awerrors.Errorf(awerrors.KindValidation, "invalid rule state %q", state)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.resolver.ResolvePath(path)
	if err != nil {
		return reconcile.Report{}, err
	}
	e.registerPending(ctx)

	old, had := e.store.Lookup(id.Path)
	rule, err := e.store.Put(rules.Rule{Path: id.Path, State: state, Source: rules.SourceUser, Hash: id.Hash})
	if err != nil {
		return reconcile.Report{}, err
	}
	var prev rules.State
	if had {
		prev = old.State
	}
	e.logger.Audit("rule.set", rule.Path, map[string]any{"state": string(state), "previous": string(prev)})
	e.recordRule(ctx, rule.Path, prev, state, rules.SourceUser)

	rep := e.rec.Reconcile(ctx)
	return rep, targetFailure(rep, rule.Path)
}

// RemoveRule deletes the rule for path, reverting it to the default, and
// reconciles. The binary need not exist any more.
func (e *Engine) RemoveRule(ctx context.Context, path string) (reconcile.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	canonical, err := e.resolver.Canonicalize(path)
	if awerrors.IsKind(err, awerrors.KindNotFound) {
		canonical, err = e.resolver.Lexical(path), nil
	}
	if err != nil {
		return reconcile.Report{}, err
	}

	e.registerPending(ctx)

	old, had := e.store.Lookup(canonical)
	if !had {
		return reconcile.Report{}, awerrors.Attr(
			awerrors.Errorf(awerrors.KindNotFound, "no rule for %s", canonical), "path", canonical)
	}
	if _, err := e.store.Remove(canonical); err != nil {
		return reconcile.Report{}, err
	}
	e.logger.Audit("rule.remove", canonical, map[string]any{"previous": string(old.State)})
	e.recordRule(ctx, canonical, old.State, "", rules.SourceUser)

	rep := e.rec.Reconcile(ctx)
	return rep, targetFailure(rep, canonical)
}

// Refresh re-reads the rules file, registers applications seen since the last
// mutation, and reconciles. Only a store failure is
// returned as an error; backend failures are in the report.
func (e *Engine) Refresh(ctx context.Context) (reconcile.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Reload(); err != nil {
		return reconcile.Report{}, err
	}
	e.registerPending(ctx)
	return e.rec.Reconcile(ctx), nil
}

// GetConnectionSnapshot returns the live connections with their owners.
func (e *Engine) GetConnectionSnapshot(ctx context.Context) ([]monitor.ConnectionSnapshot, error) {
	return e.observer.Snapshot(ctx)
}

// History returns recent journal events.
func (e *Engine) History(ctx context.Context, q journal.Query) ([]journal.Event, error) {
	if e.journal == nil {
		return nil, awerrors.New(awerrors.KindValidation, "journal is disabled")
	}
	return e.journal.Recent(ctx, q)
}

// targetFailure returns the error that kept path from being reconciled.
func targetFailure(rep reconcile.Report, path string) error {
	if f, ok := rep.FailedFor(path); ok {
		return f.Err
	}
	for _, f := range rep.Failed {
		if f.Op == reconcile.OpQuery {
			return f.Err
		}
	}
	if rep.Aborted {
		return awerrors.New(awerrors.KindTimeout, "reconciliation interrupted before completion")
	}
	return nil
}
