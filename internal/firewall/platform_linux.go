//go:build linux

package firewall

import (
	"context"

	"github.com/google/nftables"

	"grimm.is/appwall/internal/config"
	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/sockets"
)

func newPlatform(cfg *config.Config, logger *logging.Logger) (Backend, error) {
	conn, err := nftables.New(nftables.AsLasting())
	if err != nil {
		return nil, awerrors.Wrap(err, awerrors.KindUnavailable, "open nftables netlink socket")
	}
	lc := cfg.Linux
	return NewNFTBackend(NewRealNFTablesConn(conn), NFTOptions{
		Table:      lc.Table,
		QueueNum:   uint16(lc.QueueNum),
		NFLogGroup: uint16(lc.NFLogGroup),
		Inbound:    lc.Inbound != nil && *lc.Inbound,
		FailOpen:   lc.FailOpen == nil || *lc.FailOpen,
		Flows:      ConntrackCutter{},
		Logger:     logger,
	}), nil
}

// AttributionHooks observe the Linux attribution helpers.
type AttributionHooks struct {
	OnVerdict func(path string, mark uint32)
	OnDrop    func(Drop)
}

// Attribution runs the NFQUEUE verdict worker and the NFLOG drop watcher
// that the nftables backend relies on.
type Attribution struct {
	worker *VerdictWorker
	drops  *DropWatcher
}

// StartAttribution starts the helpers for cfg. resolve maps a PID to a
// canonical executable path. A drop watcher failure is logged, not fatal.
func StartAttribution(ctx context.Context, cfg *config.Config, resolve Attributor, hooks AttributionHooks, logger *logging.Logger) (*Attribution, error) {
	proc, err := sockets.NewReader("")
	if err != nil {
		return nil, awerrors.Wrap(err, awerrors.KindUnavailable, "open procfs")
	}
	a := &Attribution{
		worker: &VerdictWorker{
			QueueNum:  uint16(cfg.Linux.QueueNum),
			Sockets:   &KernelSocketResolver{Proc: proc},
			Resolve:   resolve,
			Logger:    logger,
			OnVerdict: hooks.OnVerdict,
		},
	}
	if err := a.worker.Start(ctx); err != nil {
		return nil, err
	}
	if cfg.Linux.NFLogGroup != 0 {
		a.drops = &DropWatcher{Group: uint16(cfg.Linux.NFLogGroup), Logger: logger, OnDrop: hooks.OnDrop}
		if err := a.drops.Start(ctx); err != nil {
			logger.Warn("Drop watcher unavailable", "error", err)
			a.drops = nil
		}
	}
	return a, nil
}

// Stats returns the verdict worker counters.
func (a *Attribution) Stats() VerdictStats {
	if a == nil {
		return VerdictStats{}
	}
	return a.worker.Stats()
}

// Stop stops both helpers. Safe on nil.
func (a *Attribution) Stop() {
	if a == nil {
		return
	}
	a.worker.Stop()
	if a.drops != nil {
		a.drops.Stop()
	}
}
