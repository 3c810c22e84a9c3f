// Package reconcile brings OS enforcement in line with the rule store.
//
// A pass reads the desired state (Blocked rules) and the actual state
// (backend entries), revokes entries no Blocked rule justifies, collapses
// duplicates, and applies Blocked rules that have no entry. Individual
// failures never stop a pass; they are collected in the Report.
package reconcile

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/appwall/internal/clock"
	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/rules"
)

// State of the reconciliation loop.
type State int

const (
	Idle State = iota
	Reconciling
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reconciling:
		return "reconciling"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// RuleSource is the read side of the rule store.
type RuleSource interface {
	List() iter.Seq2[string, rules.Rule]
}

// Options configures a Reconciler.
type Options struct {
	Rules   RuleSource
	Backend firewall.Backend
	Clock   clock.Clock
	Logger  *logging.Logger
	// OnReport observes every finished pass (metrics, journal).
	OnReport []func(Report)
}

// Reconciler runs reconciliation passes. Passes are serialized.
type Reconciler struct {
	rules    RuleSource
	backend  firewall.Backend
	clock    clock.Clock
	logger   *logging.Logger
	onReport []func(Report)

	pass sync.Mutex
	// enforced holds the paths confirmed enforced by the last pass; primed
	// is false until one pass has seen the backend.
	enforced map[string]bool
	primed   bool

	mu    sync.RWMutex
	state State
	last  Report
}

// New creates an idle reconciler.
func New(opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		rules:    opts.Rules,
		backend:  opts.Backend,
		clock:    clock.OrReal(opts.Clock),
		logger:   logger.WithComponent("reconcile"),
		onReport: opts.OnReport,
		enforced: make(map[string]bool),
	}
}

// State returns the current loop state.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Last returns the report of the most recent finished pass.
func (r *Reconciler) Last() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Reconcile runs one pass. Once ctx is cancelled no further backend call is
// started; a call already in flight finishes under a context detached from
// the cancellation, bounded only by the backend timeout.
func (r *Reconciler) Reconcile(ctx context.Context) Report {
	r.pass.Lock()
	defer r.pass.Unlock()

	r.setState(Reconciling)
	rep := Report{ID: uuid.NewString(), Started: r.clock.Now()}
	log := r.logger.With("pass", rep.ID)

	desired := make(map[string]rules.Rule)
	for p, rule := range r.rules.List() {
		if rule.IsBlocked() {
			desired[p] = rule
		}
	}
	rep.Desired = len(desired)

	rep = r.run(ctx, rep, desired, log)
	rep.Finished = r.clock.Now()

	next := Idle
	if !rep.OK() {
		next = Error
	}
	r.mu.Lock()
	r.state = next
	r.last = rep
	r.mu.Unlock()

	switch {
	case rep.Aborted:
		log.Warn("Reconcile aborted", "applied", len(rep.Applied), "revoked", len(rep.Revoked), "failed", len(rep.Failed))
	case len(rep.Failed) > 0:
		log.Error("Reconcile finished with failures", "applied", len(rep.Applied), "revoked", len(rep.Revoked),
			"failed", len(rep.Failed), "error", rep.Err())
	case rep.Changed():
		log.Info("Reconciled", "applied", len(rep.Applied), "revoked", len(rep.Revoked), "drift", rep.Drift, "duration", rep.Duration())
	default:
		log.Debug("Enforcement in sync", "desired", rep.Desired, "duration", rep.Duration())
	}
	if rep.Drift > 0 {
		log.Warn("Enforcement drift corrected", "kind", awerrors.KindDrift.String(), "entries", rep.Drift)
	}

	for _, fn := range r.onReport {
		fn(rep)
	}
	return rep
}

func (r *Reconciler) run(ctx context.Context, rep Report, desired map[string]rules.Rule, log *logging.Logger) Report {
	if ctx.Err() != nil {
		rep.Aborted = true
		return rep
	}
	active, err := r.backend.QueryActive(ctx)
	if err != nil {
		rep.Failed = append(rep.Failed, Failure{Op: OpQuery, Err: err})
		return rep
	}
	byPath := firewall.EntriesByPath(active)

	// Revoke entries nothing justifies, and duplicates beyond the first.
	var revoke []firewall.Entry
	for _, p := range sortedKeys(byPath) {
		entries := byPath[p]
		if _, want := desired[p]; !want {
			revoke = append(revoke, entries...)
			if r.primed && !r.enforced[p] {
				rep.Drift++
			}
			continue
		}
		if len(entries) > 1 {
			revoke = append(revoke, entries[1:]...)
			rep.Duplicates += len(entries) - 1
		}
	}

	var apply []rules.Rule
	for _, p := range sortedKeys(desired) {
		if len(byPath[p]) > 0 {
			continue
		}
		apply = append(apply, desired[p])
		if r.primed && r.enforced[p] {
			rep.Drift++
		}
	}

	for _, e := range revoke {
		if ctx.Err() != nil {
			rep.Aborted = true
			break
		}
		if err := r.backend.Revoke(context.WithoutCancel(ctx), e); err != nil {
			log.Warn("Revoke failed", "path", e.Path, "handle", e.Handle, "error", err)
			rep.Failed = append(rep.Failed, Failure{Path: e.Path, Op: OpRevoke, Err: err})
			continue
		}
		rep.Revoked = append(rep.Revoked, e.Path)
	}

	for _, rule := range apply {
		if rep.Aborted || ctx.Err() != nil {
			rep.Aborted = true
			break
		}
		if err := r.backend.Apply(context.WithoutCancel(ctx), rule); err != nil {
			log.Warn("Apply failed", "path", rule.Path, "error", err)
			rep.Failed = append(rep.Failed, Failure{Path: rule.Path, Op: OpApply, Err: err})
			continue
		}
		rep.Applied = append(rep.Applied, rule.Path)
	}

	// Record what is now known to be enforced, for drift accounting.
	enforced := make(map[string]bool, len(desired))
	for p := range desired {
		if len(byPath[p]) > 0 {
			enforced[p] = true
		}
	}
	for _, p := range rep.Applied {
		enforced[p] = true
	}
	r.enforced = enforced
	r.primed = true
	rep.Active = len(enforced)
	return rep
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Op is the backend operation a failure belongs to.
type Op string

const (
	OpQuery  Op = "query"
	OpApply  Op = "apply"
	OpRevoke Op = "revoke"
)

// Failure is one backend operation that failed during a pass.
type Failure struct {
	Path string
	Op   Op
	Err  error
}

// Report summarizes one pass.
type Report struct {
	ID       string
	Started  time.Time
	Finished time.Time
	// Desired is the number of Blocked rules; Active the number confirmed
	// enforced at the end of the pass.
	Desired int
	Active  int
	Applied []string
	Revoked []string
	Failed  []Failure
	// Drift counts entries added or removed outside appwall since the last pass.
	Drift      int
	Duplicates int
	// Aborted is set when cancellation stopped the pass early.
	Aborted bool
}

// OK reports whether every operation succeeded and the pass ran to completion.
func (r Report) OK() bool {
	return len(r.Failed) == 0 && !r.Aborted
}

// Changed reports whether the pass modified enforcement.
func (r Report) Changed() bool {
	return len(r.Applied) > 0 || len(r.Revoked) > 0
}

// Duration of the pass.
func (r Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// FailedFor returns the failure for path, if any.
func (r Report) FailedFor(path string) (Failure, bool) {
	for _, f := range r.Failed {
		if f.Path == path {
			return f, true
		}
	}
	return Failure{}, false
}

// Err joins all failures, each annotated with its path and operation.
// It is nil when nothing failed.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		err := awerrors.Attr(awerrors.Wrapf(f.Err, awerrors.GetKind(f.Err), "%s %s", f.Op, f.Path), "path", f.Path)
		errs = append(errs, awerrors.Attr(err, "op", string(f.Op)))
	}
	return awerrors.Join(errs...)
}
