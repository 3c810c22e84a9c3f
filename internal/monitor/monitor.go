// Package monitor reports live network connections and the applications owning them.
//
// The observer is read-only: it queries the OS connection table and the
// identity resolver cache, never the rule store write path or the backend.
package monitor

import (
	"cmp"
	"context"
	"net/netip"
	"slices"
	"time"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/identity"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/rules"
)

// RawConn is one connection as reported by a Source, before attribution.
type RawConn struct {
	Protocol string
	Local    netip.AddrPort
	Remote   netip.AddrPort
	State    string
	// PID is 0 when the OS could not tell.
	PID int32
}

// Source enumerates the OS connection table.
type Source interface {
	Connections(ctx context.Context) ([]RawConn, error)
}

// Resolver attributes a PID to an application identity.
type Resolver interface {
	ResolvePID(ctx context.Context, pid int32) (identity.Identity, error)
}

// RuleReader returns the rule in force for a canonical path.
type RuleReader interface {
	Get(path string) rules.Rule
}

// ConnectionSnapshot is one live connection. Ephemeral; never persisted.
type ConnectionSnapshot struct {
	Protocol  string            `json:"protocol"`
	Local     netip.AddrPort    `json:"local"`
	Remote    netip.AddrPort    `json:"remote"`
	State     string            `json:"state,omitempty"`
	PID       int32             `json:"pid,omitempty"`
	Identity  identity.Identity `json:"identity"`
	RuleState rules.State       `json:"rule_state,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Options configures an Observer.
type Options struct {
	Source   Source
	Resolver Resolver
	// Rules annotates snapshots with the applicable rule state. Optional.
	Rules  RuleReader
	Clock  clock.Clock
	Logger *logging.Logger
}

// Observer produces connection snapshots.
type Observer struct {
	source   Source
	resolver Resolver
	rules    RuleReader
	clock    clock.Clock
	logger   *logging.Logger
}

// New creates an observer. A nil Source selects the platform default.
func New(opts Options) (*Observer, error) {
	src := opts.Source
	if src == nil {
		var err error
		if src, err = DefaultSource(); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Observer{
		source:   src,
		resolver: opts.Resolver,
		rules:    opts.Rules,
		clock:    clock.OrReal(opts.Clock),
		logger:   logger.WithComponent("monitor"),
	}, nil
}

// Snapshot returns the current connections. Connections whose owner cannot be
// attributed are reported with identity.Unknown; only a failure to read the
// connection table fails the call.
func (o *Observer) Snapshot(ctx context.Context) ([]ConnectionSnapshot, error) {
	raw, err := o.source.Connections(ctx)
	if err != nil {
		return nil, err
	}
	now := o.clock.Now()

	// One resolution per PID per snapshot.
	byPID := make(map[int32]identity.Identity)
	unresolved := 0

	out := make([]ConnectionSnapshot, 0, len(raw))
	for _, c := range raw {
		snap := ConnectionSnapshot{
			Protocol:  c.Protocol,
			Local:     c.Local,
			Remote:    c.Remote,
			State:     c.State,
			PID:       c.PID,
			Identity:  identity.Unknown,
			Timestamp: now,
		}
		if c.PID > 0 && o.resolver != nil {
			id, ok := byPID[c.PID]
			if !ok {
				resolved, err := o.resolver.ResolvePID(ctx, c.PID)
				if err != nil {
					resolved = identity.Unknown
					unresolved++
				}
				byPID[c.PID] = resolved
				id = resolved
			}
			snap.Identity = id
		}
		if o.rules != nil && !snap.Identity.IsUnknown() {
			snap.RuleState = o.rules.Get(snap.Identity.Path).State
		}
		out = append(out, snap)
	}
	if unresolved > 0 {
		o.logger.Debug("Some connection owners could not be resolved", "processes", unresolved)
	}
	return out, nil
}

// Applications returns the distinct identities that currently hold
// connections, ordered by path.
func (o *Observer) Applications(ctx context.Context) ([]identity.Identity, error) {
	snaps, err := o.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]identity.Identity)
	for _, s := range snaps {
		if !s.Identity.IsUnknown() {
			seen[s.Identity.Path] = s.Identity
		}
	}
	out := make([]identity.Identity, 0, len(seen))
	for _, id := range seen {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b identity.Identity) int { return cmp.Compare(a.Path, b.Path) })
	return out, nil
}
