package metrics

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/reconcile"
	"grimm.is/appwall/internal/rules"
)

func TestObserveReport(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())
	start := time.Unix(1000, 0)

	r.ObserveReport(reconcile.Report{Started: start, Finished: start.Add(time.Second), Active: 3, Drift: 2})
	r.ObserveReport(reconcile.Report{
		Started: start, Finished: start, Active: 2,
		Failed: []reconcile.Failure{{Path: "/a", Op: reconcile.OpApply, Err: awerrors.New(awerrors.KindPermission, "denied")}},
	})
	r.ObserveReport(reconcile.Report{
		Failed: []reconcile.Failure{{Op: reconcile.OpQuery, Err: awerrors.New(awerrors.KindUnavailable, "down")}},
	})
	r.ObserveReport(reconcile.Report{Aborted: true, Active: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.ReconcilePasses.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.ReconcilePasses.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ReconcilePasses.WithLabelValues("aborted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BackendErrors.WithLabelValues("apply", "permission_denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BackendErrors.WithLabelValues("query", "backend_unavailable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.DriftCorrections))
	// A failed query leaves the gauge alone.
	assert.Equal(t, 1.0, testutil.ToFloat64(r.EnforcedEntries))
}

func TestRecordHelpers(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())

	r.RecordRuleChange(rules.Blocked)
	r.RecordRuleChange("")
	r.RecordVerdict(true)
	r.RecordVerdict(false)
	r.RecordVerdict(false)
	r.RecordDrop("/usr/bin/curl")
	r.RecordDrop("")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.RuleChanges.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RuleChanges.WithLabelValues("removed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.PacketsAttributed.WithLabelValues("attributed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.PacketsAttributed.WithLabelValues("unattributed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.DroppedPackets.WithLabelValues("/usr/bin/curl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.DroppedPackets.WithLabelValues("unknown")))
}

type fixedRules map[string]rules.State

func (f fixedRules) List() iter.Seq2[string, rules.Rule] {
	return func(yield func(string, rules.Rule) bool) {
		for p, s := range f {
			if !yield(p, rules.Rule{Path: p, State: s}) {
				return
			}
		}
	}
}

func TestCollector_Sample(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())
	c := NewCollector(r, fixedRules{"/a": rules.Blocked, "/b": rules.Blocked, "/c": rules.Allowed}, logging.Discard(), time.Hour)

	assert.True(t, c.LastSample().IsZero())
	c.Start(context.Background())
	defer c.Stop()

	assert.False(t, c.LastSample().IsZero())
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Rules.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Rules.WithLabelValues("allowed")))
}

func TestCollector_StopIdempotent(t *testing.T) {
	c := NewCollector(NewRegistry(prometheus.NewRegistry()), fixedRules{}, logging.Discard(), 0)
	c.Stop()
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}

func TestGetIsSingleton(t *testing.T) {
	require.Same(t, Get(), Get())
}
