package monitor

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/identity"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/rules"
)

type staticSource struct {
	conns []RawConn
	err   error
}

func (s staticSource) Connections(context.Context) ([]RawConn, error) {
	return s.conns, s.err
}

type countingResolver struct {
	mu    sync.Mutex
	calls map[int32]int
	known map[int32]string
}

func (r *countingResolver) ResolvePID(_ context.Context, pid int32) (identity.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[pid]++
	p, ok := r.known[pid]
	if !ok {
		return identity.Identity{}, errors.New("process exited")
	}
	return identity.Identity{Path: p, Name: p[len(p)-4:]}, nil
}

type ruleMap map[string]rules.State

func (m ruleMap) Get(path string) rules.Rule {
	if s, ok := m[path]; ok {
		return rules.Rule{Path: path, State: s}
	}
	return rules.Rule{Path: path, State: rules.Allowed, Source: rules.SourceDefault}
}

func conn(local, remote string, pid int32) RawConn {
	return RawConn{Protocol: "tcp", Local: netip.MustParseAddrPort(local), Remote: netip.MustParseAddrPort(remote), State: "ESTABLISHED", PID: pid}
}

func newTestObserver(t *testing.T, src Source, res Resolver, rr RuleReader) *Observer {
	t.Helper()
	o, err := New(Options{Source: src, Resolver: res, Rules: rr, Clock: clock.NewMockClock(time.Unix(500, 0)), Logger: logging.Discard()})
	require.NoError(t, err)
	return o
}

func TestSnapshot_AttributesAndAnnotates(t *testing.T) {
	res := &countingResolver{calls: map[int32]int{}, known: map[int32]string{10: "/usr/bin/curl"}}
	src := staticSource{conns: []RawConn{
		conn("10.0.0.2:40000", "1.1.1.1:443", 10),
		conn("10.0.0.2:40001", "1.1.1.1:443", 10),
		conn("10.0.0.2:40002", "8.8.8.8:53", 11),
		conn("10.0.0.2:40003", "8.8.8.8:53", 0),
	}}
	o := newTestObserver(t, src, res, ruleMap{"/usr/bin/curl": rules.Blocked})

	snaps, err := o.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 4)

	assert.Equal(t, "/usr/bin/curl", snaps[0].Identity.Path)
	assert.Equal(t, rules.Blocked, snaps[0].RuleState)
	assert.Equal(t, time.Unix(500, 0), snaps[0].Timestamp)
	assert.Equal(t, "/usr/bin/curl", snaps[1].Identity.Path)

	// Exited process and missing PID: kept, marked unknown.
	assert.True(t, snaps[2].Identity.IsUnknown())
	assert.Empty(t, snaps[2].RuleState)
	assert.True(t, snaps[3].Identity.IsUnknown())

	assert.Equal(t, 1, res.calls[10])
	assert.Equal(t, 0, res.calls[0])
}

func TestSnapshot_SourceFailure(t *testing.T) {
	o := newTestObserver(t, staticSource{err: errors.New("proc unreadable")}, nil, nil)
	_, err := o.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestApplications_Distinct(t *testing.T) {
	res := &countingResolver{calls: map[int32]int{}, known: map[int32]string{10: "/usr/bin/wget", 11: "/usr/bin/curl", 12: "/usr/bin/curl"}}
	src := staticSource{conns: []RawConn{
		conn("10.0.0.2:1", "1.1.1.1:443", 10),
		conn("10.0.0.2:2", "1.1.1.1:443", 11),
		conn("10.0.0.2:3", "1.1.1.1:443", 12),
		conn("10.0.0.2:4", "1.1.1.1:443", 99),
	}}
	o := newTestObserver(t, src, res, nil)

	apps, err := o.Applications(context.Background())
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "/usr/bin/curl", apps[0].Path)
	assert.Equal(t, "/usr/bin/wget", apps[1].Path)
}

func TestSnapshot_ConcurrentCalls(t *testing.T) {
	res := &countingResolver{calls: map[int32]int{}, known: map[int32]string{10: "/usr/bin/curl"}}
	o := newTestObserver(t, staticSource{conns: []RawConn{conn("10.0.0.2:1", "1.1.1.1:443", 10)}}, res, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Snapshot(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestProtocolName(t *testing.T) {
	assert.Equal(t, "tcp", protocolName(1, 2))
	assert.Equal(t, "udp", protocolName(2, 2))
}
