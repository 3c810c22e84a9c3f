package firewall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/appwall/internal/clock"
	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/rules"
)

func blocked(path string) rules.Rule {
	return rules.Rule{Path: path, State: rules.Blocked, Source: rules.SourceUser}
}

func TestMemoryBackend_ApplyIdempotent(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(clock.NewMockClock(time.Unix(100, 0)))

	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))
	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))

	entries, err := b.QueryActive(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/usr/bin/curl", entries[0].Path)
	assert.Equal(t, time.Unix(100, 0), entries[0].Applied)
}

func TestMemoryBackend_RevokeIdempotent(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil)

	require.NoError(t, b.Revoke(ctx, Entry{Path: "/nothing"}))
	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))
	require.NoError(t, b.Revoke(ctx, EntryFor(blocked("/usr/bin/curl"))))
	require.NoError(t, b.Revoke(ctx, EntryFor(blocked("/usr/bin/curl"))))

	entries, err := b.QueryActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryBackend_RevokeByHandle(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil)
	first := b.Inject("/usr/bin/curl")
	b.Inject("/usr/bin/curl")

	require.NoError(t, b.Revoke(ctx, first))
	entries, err := b.QueryActive(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEqual(t, first.Handle, entries[0].Handle)
}

func TestMemoryBackend_Faults(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil)
	boom := awerrors.New(awerrors.KindPermission, "denied")

	b.FailApply("/a", boom)
	assert.ErrorIs(t, b.Apply(ctx, blocked("/a")), boom)
	b.FailApply("/a", nil)
	assert.NoError(t, b.Apply(ctx, blocked("/a")))

	b.FailQuery(errors.New("gone"))
	_, err := b.QueryActive(ctx)
	assert.Error(t, err)

	apply, revoke := b.Calls()
	assert.Equal(t, 2, apply)
	assert.Equal(t, 0, revoke)

	require.NoError(t, b.Close())
	assert.Equal(t, awerrors.KindUnavailable, awerrors.GetKind(b.Apply(ctx, blocked("/b"))))
}

func TestWithTimeout(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend(nil)
	mem.SetDelay(time.Second)
	b := WithTimeout(mem, 20*time.Millisecond)

	start := time.Now()
	err := b.Apply(ctx, blocked("/usr/bin/curl"))
	require.Error(t, err)
	assert.Equal(t, awerrors.KindTimeout, awerrors.GetKind(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	_, err = b.QueryActive(ctx)
	assert.Equal(t, awerrors.KindTimeout, awerrors.GetKind(err))

	mem.SetDelay(0)
	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))
	assert.Same(t, mem, Unwrap(b))
	assert.Equal(t, "memory", b.Name())
}

func TestWithTimeout_ParentCancel(t *testing.T) {
	mem := NewMemoryBackend(nil)
	mem.SetDelay(time.Second)
	b := WithTimeout(mem, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Apply(ctx, blocked("/a"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, awerrors.KindTimeout, awerrors.GetKind(err))
}

func TestWithTimeout_ZeroDisables(t *testing.T) {
	mem := NewMemoryBackend(nil)
	assert.Same(t, mem, WithTimeout(mem, 0))
}

func TestMarkFor(t *testing.T) {
	a := MarkFor("/usr/bin/curl")
	assert.Equal(t, a, MarkFor("/usr/bin/curl"))
	assert.NotEqual(t, a, MarkFor("/usr/bin/wget"))
	assert.True(t, IsAppMark(a))
	assert.False(t, IsAppMark(UnattributedMark))
	assert.NotZero(t, MarkFor(""))
}

func TestEntriesByPath(t *testing.T) {
	got := EntriesByPath([]Entry{{Handle: "1", Path: "/a"}, {Handle: "2", Path: "/a"}, {Handle: "3", Path: "/b"}})
	assert.Len(t, got["/a"], 2)
	assert.Len(t, got["/b"], 1)
}
