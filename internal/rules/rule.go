// Package rules is the durable store of desired per-application enforcement state.
//
// The store is the single source of truth for what should be enforced. It never
// reflects what the operating system is actually doing; that is the backend's
// job, and reconciliation closes the gap.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	awerrors "grimm.is/appwall/internal/errors"
)

// State is the desired enforcement state of an application.
type State string

const (
	Allowed State = "allowed"
	Blocked State = "blocked"
)

// ParseState accepts "allowed"/"allow" and "blocked"/"block" in any case.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allowed", "allow":
		return Allowed, nil
	case "blocked", "block":
		return Blocked, nil
	}
	return "", awerrors.Errorf(awerrors.KindValidation, "invalid rule state %q", s)
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	return s == Allowed || s == Blocked
}

// Source records who set a rule.
type Source string

const (
	SourceUser    Source = "user"
	SourceDefault Source = "default"
	SourceImport  Source = "import"
)

// Rule is the desired enforcement state for one canonical path.
type Rule struct {
	Path     string
	State    State
	Modified time.Time
	Source   Source
	// Hash pins the binary content when hash pinning is enabled.
	Hash string

	// extra holds fields written by newer versions; preserved on rewrite.
	extra map[string]json.RawMessage
}

// IsBlocked reports whether the rule drops traffic.
func (r Rule) IsBlocked() bool {
	return r.State == Blocked
}

func (r Rule) String() string {
	return fmt.Sprintf("%s=%s(%s)", r.Path, r.State, r.Source)
}

var knownRuleFields = []string{"state", "modified", "source", "hash"}

func (r Rule) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.extra)+4)
	for k, v := range r.extra {
		out[k] = v
	}
	put := func(k string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[k] = b
		return nil
	}
	if err := put("state", r.State); err != nil {
		return nil, err
	}
	if err := put("modified", r.Modified.UTC()); err != nil {
		return nil, err
	}
	if err := put("source", r.Source); err != nil {
		return nil, err
	}
	if r.Hash != "" {
		if err := put("hash", r.Hash); err != nil {
			return nil, err
		}
	} else {
		delete(out, "hash")
	}
	return json.Marshal(out)
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var fields struct {
		State    State     `json:"state"`
		Modified time.Time `json:"modified"`
		Source   Source    `json:"source"`
		Hash     string    `json:"hash"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.State = fields.State
	r.Modified = fields.Modified
	r.Source = fields.Source
	r.Hash = fields.Hash
	for _, k := range knownRuleFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		r.extra = raw
	}
	return nil
}
