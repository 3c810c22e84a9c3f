package firewall

import (
	"context"
	"time"

	"grimm.is/appwall/internal/rules"
)

// Backend is the enforcement capability every platform provides.
type Backend interface {
	// Name identifies the variant ("nftables", "netsh", "memory").
	Name() string
	// Apply enforces a Blocked rule. Idempotent.
	Apply(ctx context.Context, r rules.Rule) error
	// Revoke removes enforcement. An Entry with an empty Handle removes every
	// entry for its Path; otherwise only the addressed entry. Idempotent.
	Revoke(ctx context.Context, e Entry) error
	// QueryActive lists the entries currently enforced by the OS.
	QueryActive(ctx context.Context) ([]Entry, error)
	Close() error
}

// Entry is one OS-level artifact realizing a Blocked rule.
type Entry struct {
	// Handle is the backend-specific identifier: an nftables rule handle or
	// a Windows firewall rule name.
	Handle string
	// Path is the canonical path of the rule the entry was derived from.
	Path string
	// Applied is when the entry was installed, zero when the OS does not say.
	Applied time.Time
}

// EntryFor addresses every entry of a rule.
func EntryFor(r rules.Rule) Entry {
	return Entry{Path: r.Path}
}

// EntriesByPath groups entries by the rule path they realize.
func EntriesByPath(entries []Entry) map[string][]Entry {
	out := make(map[string][]Entry, len(entries))
	for _, e := range entries {
		out[e.Path] = append(out[e.Path], e)
	}
	return out
}
