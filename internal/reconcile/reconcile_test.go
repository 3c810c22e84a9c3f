package reconcile

import (
	"context"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwall/internal/clock"
	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/rules"
)

type fixture struct {
	store   *rules.Store
	backend *firewall.MemoryBackend
	rec     *Reconciler
	reports []Report
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := rules.Open(rules.Options{
		Path:   filepath.Join(t.TempDir(), "rules.json"),
		Clock:  clk,
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	f := &fixture{store: store, backend: firewall.NewMemoryBackend(clk)}
	f.rec = New(Options{
		Rules:    store,
		Backend:  f.backend,
		Clock:    clk,
		Logger:   logging.Discard(),
		OnReport: []func(Report){func(r Report) { f.reports = append(f.reports, r) }},
	})
	return f
}

func (f *fixture) block(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		_, err := f.store.Set(p, rules.Blocked)
		require.NoError(t, err)
	}
}

func (f *fixture) active(t *testing.T) []string {
	t.Helper()
	entries, err := f.backend.QueryActive(context.Background())
	require.NoError(t, err)
	var paths []string
	for p := range firewall.EntriesByPath(entries) {
		paths = append(paths, p)
	}
	return paths
}

func TestReconcile_EnforcesBlockedRules(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/curl", "/usr/bin/wget")
	_, err := f.store.Set("/usr/bin/ssh", rules.Allowed)
	require.NoError(t, err)

	rep := f.rec.Reconcile(context.Background())

	require.True(t, rep.OK(), rep.Err())
	assert.ElementsMatch(t, []string{"/usr/bin/curl", "/usr/bin/wget"}, rep.Applied)
	assert.Empty(t, rep.Revoked)
	assert.Equal(t, 2, rep.Desired)
	assert.Equal(t, 2, rep.Active)
	assert.ElementsMatch(t, []string{"/usr/bin/curl", "/usr/bin/wget"}, f.active(t))
	assert.Equal(t, Idle, f.rec.State())
	assert.NotEmpty(t, rep.ID)
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/curl")

	first := f.rec.Reconcile(context.Background())
	require.True(t, first.OK())
	applyBefore, revokeBefore := f.backend.Calls()

	second := f.rec.Reconcile(context.Background())
	require.True(t, second.OK())
	assert.False(t, second.Changed())
	applyAfter, revokeAfter := f.backend.Calls()
	assert.Equal(t, applyBefore, applyAfter)
	assert.Equal(t, revokeBefore, revokeAfter)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestReconcile_RevokesUnblocked(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/curl")
	require.True(t, f.rec.Reconcile(context.Background()).OK())

	_, err := f.store.Set("/usr/bin/curl", rules.Allowed)
	require.NoError(t, err)
	rep := f.rec.Reconcile(context.Background())

	require.True(t, rep.OK())
	assert.Equal(t, []string{"/usr/bin/curl"}, rep.Revoked)
	assert.Zero(t, rep.Drift)
	assert.Empty(t, f.active(t))
}

func TestReconcile_RemoveRuleRevokes(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/curl")
	require.True(t, f.rec.Reconcile(context.Background()).OK())

	_, err := f.store.Remove("/usr/bin/curl")
	require.NoError(t, err)
	rep := f.rec.Reconcile(context.Background())

	assert.Equal(t, []string{"/usr/bin/curl"}, rep.Revoked)
	assert.Zero(t, rep.Drift)
}

func TestReconcile_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/a", "/usr/bin/b", "/usr/bin/c")
	f.backend.FailApply("/usr/bin/b", awerrors.New(awerrors.KindPermission, "operation not permitted"))

	rep := f.rec.Reconcile(context.Background())

	assert.False(t, rep.OK())
	assert.ElementsMatch(t, []string{"/usr/bin/a", "/usr/bin/c"}, rep.Applied)
	require.Len(t, rep.Failed, 1)
	fail, ok := rep.FailedFor("/usr/bin/b")
	require.True(t, ok)
	assert.Equal(t, OpApply, fail.Op)
	assert.True(t, awerrors.IsKind(rep.Err(), awerrors.KindPermission))
	assert.Equal(t, "/usr/bin/b", awerrors.GetAttributes(rep.Err())["path"])
	assert.Equal(t, Error, f.rec.State())

	// The next pass retries only the failed rule.
	f.backend.FailApply("/usr/bin/b", nil)
	rep = f.rec.Reconcile(context.Background())
	require.True(t, rep.OK())
	assert.Equal(t, []string{"/usr/bin/b"}, rep.Applied)
	assert.Equal(t, Idle, f.rec.State())
}

func TestReconcile_QueryFailure(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/curl")
	f.backend.FailQuery(awerrors.New(awerrors.KindUnavailable, "nftables unreachable"))

	rep := f.rec.Reconcile(context.Background())

	assert.False(t, rep.OK())
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, OpQuery, rep.Failed[0].Op)
	assert.True(t, awerrors.IsKind(rep.Err(), awerrors.KindUnavailable))
	assert.Empty(t, rep.Applied)
	assert.Equal(t, Error, f.rec.State())
}

func TestReconcile_ExternalEntryIsDrift(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.rec.Reconcile(context.Background()).OK())

	f.backend.Inject("/opt/tool")
	rep := f.rec.Reconcile(context.Background())

	require.True(t, rep.OK())
	assert.Equal(t, []string{"/opt/tool"}, rep.Revoked)
	assert.Equal(t, 1, rep.Drift)
	assert.Empty(t, f.active(t))
}

func TestReconcile_ExternalRemovalIsDrift(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/curl")
	require.True(t, f.rec.Reconcile(context.Background()).OK())

	entries, err := f.backend.QueryActive(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, f.backend.Revoke(context.Background(), entries[0]))

	rep := f.rec.Reconcile(context.Background())
	require.True(t, rep.OK())
	assert.Equal(t, []string{"/usr/bin/curl"}, rep.Applied)
	assert.Equal(t, 1, rep.Drift)
}

func TestReconcile_LeftoversOnFirstPassAreNotDrift(t *testing.T) {
	f := newFixture(t)
	f.backend.Inject("/opt/stale")

	rep := f.rec.Reconcile(context.Background())

	assert.Equal(t, []string{"/opt/stale"}, rep.Revoked)
	assert.Zero(t, rep.Drift)
}

func TestReconcile_CollapsesDuplicates(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/curl")
	f.backend.Inject("/usr/bin/curl")
	f.backend.Inject("/usr/bin/curl")

	rep := f.rec.Reconcile(context.Background())

	require.True(t, rep.OK())
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, []string{"/usr/bin/curl"}, rep.Revoked)
	assert.Empty(t, rep.Applied)

	entries, err := f.backend.QueryActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// cancelling cancels the pass context on its first Apply.
type cancelling struct {
	firewall.Backend
	cancel context.CancelFunc
	seen   []bool
}

func (c *cancelling) Apply(ctx context.Context, r rules.Rule) error {
	c.cancel()
	c.seen = append(c.seen, ctx.Err() == nil)
	return c.Backend.Apply(ctx, r)
}

func TestReconcile_CancellationStopsNewCalls(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/a", "/usr/bin/b", "/usr/bin/c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wrapped := &cancelling{Backend: f.backend, cancel: cancel}
	rec := New(Options{Rules: f.store, Backend: wrapped, Logger: logging.Discard()})

	rep := rec.Reconcile(ctx)

	assert.True(t, rep.Aborted)
	assert.False(t, rep.OK())
	// The in-flight call completes with a live context.
	assert.Equal(t, []bool{true}, wrapped.seen)
	assert.Equal(t, []string{"/usr/bin/a"}, rep.Applied)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, Error, rec.State())
}

func TestReconcile_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/curl")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := f.rec.Reconcile(ctx)

	assert.True(t, rep.Aborted)
	apply, revoke := f.backend.Calls()
	assert.Zero(t, apply)
	assert.Zero(t, revoke)
}

func TestReconcile_TimeoutIsReported(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/curl")
	require.True(t, f.rec.Reconcile(context.Background()).OK())
	_, err := f.store.Set("/usr/bin/wget", rules.Blocked)
	require.NoError(t, err)

	f.backend.SetDelay(time.Second)
	rec := New(Options{
		Rules:   f.store,
		Backend: firewall.WithTimeout(f.backend, 20*time.Millisecond),
		Logger:  logging.Discard(),
	})

	rep := rec.Reconcile(context.Background())

	require.Len(t, rep.Failed, 1)
	assert.Equal(t, OpQuery, rep.Failed[0].Op)
	assert.True(t, awerrors.IsKind(rep.Failed[0].Err, awerrors.KindTimeout))
}

func TestReconcile_ReportsToHooks(t *testing.T) {
	f := newFixture(t)
	f.block(t, "/usr/bin/curl")

	rep := f.rec.Reconcile(context.Background())

	require.Len(t, f.reports, 1)
	assert.Equal(t, rep.ID, f.reports[0].ID)
	assert.Equal(t, rep.ID, f.rec.Last().ID)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "reconciling", Reconciling.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestReconcile_ReportTimestamps(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	clk.SetStep(time.Millisecond)
	rec := New(Options{
		Rules:   emptySource{},
		Backend: firewall.NewMemoryBackend(nil),
		Clock:   clk,
		Logger:  logging.Discard(),
	})

	rep := rec.Reconcile(context.Background())
	require.True(t, rep.OK())
	assert.True(t, rep.Finished.After(rep.Started))
	assert.Equal(t, rep.Finished.Sub(rep.Started), rep.Duration())
}

type emptySource struct{}

func (emptySource) List() iter.Seq2[string, rules.Rule] {
	return func(func(string, rules.Rule) bool) {}
}
