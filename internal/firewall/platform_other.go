//go:build !linux

package firewall

import (
	"context"

	"grimm.is/appwall/internal/config"
	"grimm.is/appwall/internal/logging"
)

// Drop is one packet dropped by a per-application rule. Only reported on Linux.
type Drop struct {
	Mark uint32
}

// Attributor maps a PID to the canonical executable path of its process.
type Attributor func(ctx context.Context, pid int32) (string, bool)

// VerdictStats counts verdict worker outcomes. Always zero off Linux.
type VerdictStats struct {
	Processed    uint64
	Attributed   uint64
	Unattributed uint64
	Errors       uint64
}

// AttributionHooks observe packet attribution. Unused off Linux.
type AttributionHooks struct {
	OnVerdict func(path string, mark uint32)
	OnDrop    func(Drop)
}

// Attribution is a no-op: the platform firewall attributes traffic itself.
type Attribution struct{}

func StartAttribution(context.Context, *config.Config, Attributor, AttributionHooks, *logging.Logger) (*Attribution, error) {
	return nil, nil
}

func (a *Attribution) Stats() VerdictStats { return VerdictStats{} }

func (a *Attribution) Stop() {}
