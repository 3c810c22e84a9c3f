package health

import (
	"context"
	"fmt"
	"os"
	"sync"

	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/reconcile"
)

// BackendCheck is unhealthy when the backend cannot report its entries.
func BackendCheck(b firewall.Backend) Probe {
	return func(ctx context.Context) Result {
		entries, err := b.QueryActive(ctx)
		if err != nil {
			return Result{Status: StatusUnhealthy, Message: fmt.Sprintf("%s backend: %v", b.Name(), err)}
		}
		return Result{Status: StatusHealthy, Message: fmt.Sprintf("%s backend: %d entries", b.Name(), len(entries))}
	}
}

// ReconcileSource exposes the reconciliation loop's state.
type ReconcileSource interface {
	State() reconcile.State
	LastReport() reconcile.Report
}

// ReconcileCheck is degraded while the last pass left failures behind.
func ReconcileCheck(src ReconcileSource) Probe {
	return func(context.Context) Result {
		rep := src.LastReport()
		switch {
		case rep.ID == "":
			return Result{Status: StatusDegraded, Message: "no reconciliation pass yet"}
		case src.State() == reconcile.Error:
			return Result{Status: StatusDegraded, Message: fmt.Sprintf("pass %s: %d failed", rep.ID, len(rep.Failed))}
		default:
			return Result{Status: StatusHealthy, Message: fmt.Sprintf("pass %s: %d enforced", rep.ID, rep.Active)}
		}
	}
}

// FileCheck is unhealthy when path cannot be read.
func FileCheck(path string) Probe {
	return func(context.Context) Result {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Result{Status: StatusDegraded, Message: path + " does not exist yet"}
			}
			return Result{Status: StatusUnhealthy, Message: err.Error()}
		}
		f.Close()
		return Result{Status: StatusHealthy, Message: path + " readable"}
	}
}

// VerdictSource exposes the packet attribution counters.
type VerdictSource interface {
	Stats() firewall.VerdictStats
}

// AttributionCheck is degraded when at least half of the verdicts since the
// previous check failed.
func AttributionCheck(src VerdictSource) Probe {
	var (
		mu   sync.Mutex
		prev firewall.VerdictStats
	)
	return func(context.Context) Result {
		cur := src.Stats()
		mu.Lock()
		processed := cur.Processed - prev.Processed
		failed := cur.Errors - prev.Errors
		prev = cur
		mu.Unlock()

		msg := fmt.Sprintf("%d processed, %d unattributed, %d errors", cur.Processed, cur.Unattributed, cur.Errors)
		if failed > 0 && failed*2 >= processed {
			return Result{Status: StatusDegraded, Message: fmt.Sprintf("%d of %d recent verdicts failed; %s", failed, processed, msg)}
		}
		return Result{Status: StatusHealthy, Message: msg}
	}
}
