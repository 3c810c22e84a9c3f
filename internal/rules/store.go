package rules

import (
	"encoding/json"
	"errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"grimm.is/appwall/internal/clock"
	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
)

// FormatVersion is the rules file schema version written by this package.
const FormatVersion = 1

// Options configures a Store.
type Options struct {
	// Path of the rules file. Required.
	Path string
	// Default applies to paths without a rule. Empty keeps the value stored
	// in the file, or Allowed for a new file.
	Default State
	// LegacyPath is a JSON array of blocked paths imported when Path does not exist yet.
	LegacyPath string
	// Normalize maps legacy paths to rule keys. Identity when nil.
	Normalize func(string) string
	Clock     clock.Clock
	Logger    *logging.Logger
}

// Store is the durable rule store. Reads are lock-free against a published
// snapshot; mutations are serialized and committed to disk before they become
// visible.
type Store struct {
	path   string
	clock  clock.Clock
	logger *logging.Logger

	// writeMu serializes mutations including the durable write.
	writeMu sync.Mutex

	mu    sync.RWMutex
	state *snapshot

	// writeFile is replaced in tests to simulate storage failures.
	writeFile func(path string, data []byte) error
}

// snapshot is immutable once published.
type snapshot struct {
	def   State
	rules map[string]Rule
	extra map[string]json.RawMessage
}

type fileDoc struct {
	Version      int             `json:"version"`
	DefaultState State           `json:"default_state"`
	Rules        map[string]Rule `json:"rules"`
}

var knownDocFields = []string{"version", "default_state", "rules"}

// Open loads the rules file at opts.Path, creating an empty store if it does
// not exist.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, awerrors.New(awerrors.KindValidation, "rules file path is required")
	}
	if opts.Default != "" && !opts.Default.Valid() {
		return nil, awerrors.Errorf(awerrors.KindValidation, "invalid default state %q", opts.Default)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		path:      opts.Path,
		clock:     clock.OrReal(opts.Clock),
		logger:    logger.WithComponent("rules"),
		writeFile: atomicWriteFile,
	}

	snap, err := readFile(opts.Path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		snap = &snapshot{def: Allowed, rules: map[string]Rule{}}
	default:
		return nil, err
	}
	if opts.Default != "" {
		snap.def = opts.Default
	}
	s.state = snap

	if errors.Is(err, fs.ErrNotExist) && opts.LegacyPath != "" {
		if err := s.importLegacy(opts.LegacyPath, opts.Normalize); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func readFile(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, awerrors.Wrapf(err, awerrors.KindStorage, "read rules file %s", path)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, awerrors.Wrapf(err, awerrors.KindStorage, "parse rules file %s", path)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, awerrors.Wrapf(err, awerrors.KindStorage, "parse rules file %s", path)
	}
	for _, k := range knownDocFields {
		delete(raw, k)
	}

	snap := &snapshot{def: doc.DefaultState, rules: make(map[string]Rule, len(doc.Rules))}
	if !snap.def.Valid() {
		snap.def = Allowed
	}
	if len(raw) > 0 {
		snap.extra = raw
	}
	for p, r := range doc.Rules {
		if !r.State.Valid() {
			return nil, awerrors.Attr(awerrors.Errorf(awerrors.KindStorage,
				"rules file %s: invalid state %q", path, r.State), "path", p)
		}
		if r.Source == "" {
			r.Source = SourceUser
		}
		r.Path = p
		snap.rules[p] = r
	}
	return snap, nil
}

func (s *Store) importLegacy(legacy string, normalize func(string) string) error {
	data, err := os.ReadFile(legacy)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return awerrors.Wrapf(err, awerrors.KindStorage, "read legacy file %s", legacy)
	}
	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		s.logger.Warn("Ignoring unreadable legacy blocked list", "file", legacy, "error", err)
		return nil
	}
	if normalize == nil {
		normalize = func(p string) string { return p }
	}

	now := s.clock.Now().UTC()
	err = s.mutate(func(rules map[string]Rule) bool {
		for _, p := range paths {
			if p == "" {
				continue
			}
			key := normalize(p)
			rules[key] = Rule{Path: key, State: Blocked, Modified: now, Source: SourceImport}
		}
		return true
	})
	if err != nil {
		return err
	}
	s.logger.Info("Imported legacy blocked list", "file", legacy, "count", len(paths))
	return nil
}

// Path returns the rules file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Default returns the state applied to paths without a rule.
func (s *Store) Default() State {
	return s.current().def
}

// Get returns the rule for path, or the default rule when none is set.
func (s *Store) Get(path string) Rule {
	snap := s.current()
	if r, ok := snap.rules[path]; ok {
		return r
	}
	return Rule{Path: path, State: snap.def, Source: SourceDefault}
}

// Lookup returns the stored rule for path, if any.
func (s *Store) Lookup(path string) (Rule, bool) {
	r, ok := s.current().rules[path]
	return r, ok
}

// Len returns the number of stored rules.
func (s *Store) Len() int {
	return len(s.current().rules)
}

// List returns every stored rule. The sequence is lazy and restartable: each
// range takes a fresh point-in-time snapshot.
func (s *Store) List() iter.Seq2[string, Rule] {
	return func(yield func(string, Rule) bool) {
		for p, r := range s.current().rules {
			if !yield(p, r) {
				return
			}
		}
	}
}

// Set records a user rule for path and returns it once durably written.
func (s *Store) Set(path string, state State) (Rule, error) {
	return s.Put(Rule{Path: path, State: state, Source: SourceUser})
}

// Put stores r, overwriting any prior rule for r.Path. A zero Modified is
// stamped with the current time. Unknown fields of the replaced rule are kept.
func (s *Store) Put(r Rule) (Rule, error) {
	if r.Path == "" {
		return Rule{}, awerrors.New(awerrors.KindValidation, "rule path is required")
	}
	if !r.State.Valid() {
		return Rule{}, awerrors.Errorf(awerrors.KindValidation, "invalid rule state %q", r.State)
	}
	if r.Source == "" {
		r.Source = SourceUser
	}
	if r.Modified.IsZero() {
		r.Modified = s.clock.Now().UTC()
	}
	err := s.mutate(func(rules map[string]Rule) bool {
		if old, ok := rules[r.Path]; ok && r.extra == nil {
			r.extra = old.extra
		}
		rules[r.Path] = r
		return true
	})
	if err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Register stores a default-source rule for path if none exists.
// It reports whether a rule was created.
func (s *Store) Register(path, hash string) (bool, error) {
	created := false
	err := s.mutate(func(rules map[string]Rule) bool {
		if _, ok := rules[path]; ok {
			return false
		}
		rules[path] = Rule{
			Path:     path,
			State:    s.state.def,
			Modified: s.clock.Now().UTC(),
			Source:   SourceDefault,
			Hash:     hash,
		}
		created = true
		return true
	})
	return created, err
}

// Remove deletes the rule for path; the path reverts to the default.
// It reports whether a rule existed.
func (s *Store) Remove(path string) (bool, error) {
	existed := false
	err := s.mutate(func(rules map[string]Rule) bool {
		if _, ok := rules[path]; !ok {
			return false
		}
		delete(rules, path)
		existed = true
		return true
	})
	return existed, err
}

// Reload re-reads the rules file, picking up external edits. A missing file
// reads as an empty rule set. The in-memory state is unchanged if the file
// cannot be parsed.
func (s *Store) Reload() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, err := readFile(s.path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		// Not written yet, or deleted: no rules.
		if n := len(s.current().rules); n > 0 {
			s.logger.Warn("Rules file missing on reload, dropping rules", "file", s.path, "rules", n)
		}
		snap = &snapshot{rules: map[string]Rule{}}
	default:
		return err
	}
	// The configured default wins over the file.
	snap.def = s.current().def

	s.mu.Lock()
	s.state = snap
	s.mu.Unlock()
	return nil
}

// mutate applies fn to a copy of the rules and, if fn reports a change,
// commits the copy to disk before publishing it.
func (s *Store) mutate(fn func(map[string]Rule) bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.current()
	next := &snapshot{def: old.def, extra: old.extra, rules: make(map[string]Rule, len(old.rules)+1)}
	for p, r := range old.rules {
		next.rules[p] = r
	}
	if !fn(next.rules) {
		return nil
	}

	data, err := encode(next)
	if err != nil {
		return awerrors.Wrap(err, awerrors.KindStorage, "encode rules")
	}
	if err := s.writeFile(s.path, data); err != nil {
		return awerrors.Attr(awerrors.Wrapf(err, awerrors.KindStorage, "write rules file %s", s.path), "file", s.path)
	}

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	return nil
}

func encode(snap *snapshot) ([]byte, error) {
	out := make(map[string]any, len(snap.extra)+3)
	for k, v := range snap.extra {
		out[k] = v
	}
	out["version"] = FormatVersion
	out["default_state"] = snap.def
	out["rules"] = snap.rules
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// atomicWriteFile writes data to a temporary file in the target directory,
// syncs it and renames it over path. Readers see the old or the new file.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	syncDir(dir)
	return nil
}
