package firewall

import (
	"context"
	"strconv"
	"sync"
	"time"

	"grimm.is/appwall/internal/clock"
	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/rules"
)

// MemoryBackend enforces nothing; it records entries in process memory.
// Used for dry runs and tests, with hooks to inject faults and drift.
type MemoryBackend struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]Entry // by handle
	next    int
	closed  bool

	applyErr  map[string]error
	revokeErr map[string]error
	queryErr  error
	delay     time.Duration

	applyCalls  int
	revokeCalls int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(c clock.Clock) *MemoryBackend {
	return &MemoryBackend{
		clock:     clock.OrReal(c),
		entries:   make(map[string]Entry),
		applyErr:  make(map[string]error),
		revokeErr: make(map[string]error),
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

// FailApply makes Apply for path return err until cleared with a nil err.
func (m *MemoryBackend) FailApply(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.applyErr, path)
		return
	}
	m.applyErr[path] = err
}

// FailRevoke makes Revoke for path return err until cleared with a nil err.
func (m *MemoryBackend) FailRevoke(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.revokeErr, path)
		return
	}
	m.revokeErr[path] = err
}

// FailQuery makes QueryActive return err until cleared with nil.
func (m *MemoryBackend) FailQuery(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
}

// SetDelay makes every call wait d or until its context ends.
func (m *MemoryBackend) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Inject adds an entry behind the engine's back, as an external tool would.
func (m *MemoryBackend) Inject(path string) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(path)
}

// Calls returns how many Apply and Revoke calls were made.
func (m *MemoryBackend) Calls() (apply, revoke int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyCalls, m.revokeCalls
}

func (m *MemoryBackend) add(path string) Entry {
	m.next++
	e := Entry{Handle: "mem-" + strconv.Itoa(m.next), Path: path, Applied: m.clock.Now()}
	m.entries[e.Handle] = e
	return e
}

func (m *MemoryBackend) wait(ctx context.Context) error {
	m.mu.Lock()
	d := m.delay
	m.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryBackend) Apply(ctx context.Context, r rules.Rule) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	if m.closed {
		return awerrors.New(awerrors.KindUnavailable, "memory backend closed")
	}
	if err := m.applyErr[r.Path]; err != nil {
		return err
	}
	for _, e := range m.entries {
		if e.Path == r.Path {
			return nil
		}
	}
	m.add(r.Path)
	return nil
}

func (m *MemoryBackend) Revoke(ctx context.Context, target Entry) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeCalls++
	if m.closed {
		return awerrors.New(awerrors.KindUnavailable, "memory backend closed")
	}
	if err := m.revokeErr[target.Path]; err != nil {
		return err
	}
	if target.Handle != "" {
		delete(m.entries, target.Handle)
		return nil
	}
	for h, e := range m.entries {
		if e.Path == target.Path {
			delete(m.entries, h)
		}
	}
	return nil
}

func (m *MemoryBackend) QueryActive(ctx context.Context) ([]Entry, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
