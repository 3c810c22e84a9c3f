//go:build linux

package firewall

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
)

type recordingCutter struct {
	marks []uint32
}

func (r *recordingCutter) CutMark(mark uint32) (int, error) {
	r.marks = append(r.marks, mark)
	return 1, nil
}

func newTestNFT(conn *MockNFTablesConn, inbound bool) (*NFTBackend, *recordingCutter) {
	cutter := &recordingCutter{}
	return NewNFTBackend(conn, NFTOptions{
		Table:      "appwall",
		QueueNum:   4242,
		NFLogGroup: 4243,
		Inbound:    inbound,
		FailOpen:   true,
		Flows:      cutter,
		Logger:     logging.Discard(),
	}), cutter
}

func TestNFT_ApplyCreatesTable(t *testing.T) {
	conn := NewMockNFTablesConn().ExpectAll()
	b, cutter := newTestNFT(conn, true)

	require.NoError(t, b.Apply(context.Background(), blocked("/usr/bin/curl")))

	assert.Equal(t, 3, conn.GetChainCount())
	output := conn.RulesIn("appwall", chainOutput)
	require.Len(t, output, 4)
	assert.Len(t, conn.RulesIn("appwall", chainInput), 4)

	var queue *expr.Queue
	for _, e := range output[1].Exprs {
		if q, ok := e.(*expr.Queue); ok {
			queue = q
		}
	}
	require.NotNil(t, queue)
	assert.Equal(t, uint16(4242), queue.Num)
	assert.Equal(t, expr.QueueFlagBypass, queue.Flag)

	last := output[3].Exprs[0].(*expr.Verdict)
	assert.Equal(t, expr.VerdictJump, last.Kind)
	assert.Equal(t, chainApps, last.Chain)

	apps := conn.RulesIn("appwall", chainApps)
	require.Len(t, apps, 1)
	assert.Equal(t, "appwall:/usr/bin/curl", string(apps[0].UserData))
	verdict := apps[0].Exprs[len(apps[0].Exprs)-1].(*expr.Verdict)
	assert.Equal(t, expr.VerdictDrop, verdict.Kind)

	assert.Equal(t, []uint32{MarkFor("/usr/bin/curl")}, cutter.marks)
}

func TestNFT_NoInputChainWhenOutboundOnly(t *testing.T) {
	conn := NewMockNFTablesConn().ExpectAll()
	b, _ := newTestNFT(conn, false)
	require.NoError(t, b.Apply(context.Background(), blocked("/usr/bin/curl")))
	assert.Equal(t, 2, conn.GetChainCount())
	assert.Empty(t, conn.RulesIn("appwall", chainInput))
}

func TestNFT_ApplyIdempotent(t *testing.T) {
	conn := NewMockNFTablesConn().ExpectAll()
	b, _ := newTestNFT(conn, true)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))
	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))

	entries, err := b.QueryActive(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/usr/bin/curl", entries[0].Path)
	assert.NotEmpty(t, entries[0].Handle)
}

func TestNFT_QueryActiveWithoutTable(t *testing.T) {
	conn := NewMockNFTablesConn().ExpectAll()
	b, _ := newTestNFT(conn, true)

	entries, err := b.QueryActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
	conn.AssertNotCalled(t, "AddTable", mock.Anything)
}

func TestNFT_Revoke(t *testing.T) {
	conn := NewMockNFTablesConn().ExpectAll()
	b, _ := newTestNFT(conn, true)
	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))
	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/wget")))

	require.NoError(t, b.Revoke(ctx, Entry{Path: "/usr/bin/curl"}))
	require.NoError(t, b.Revoke(ctx, Entry{Path: "/usr/bin/curl"}))
	require.NoError(t, b.Revoke(ctx, Entry{Path: "/never/applied"}))

	entries, err := b.QueryActive(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/usr/bin/wget", entries[0].Path)
}

func TestNFT_RevokeByHandleCollapsesDuplicates(t *testing.T) {
	conn := NewMockNFTablesConn().ExpectAll()
	b, _ := newTestNFT(conn, false)
	ctx := context.Background()
	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))

	// A second copy of the same rule, as a restored ruleset dump might leave.
	apps := conn.RulesIn("appwall", chainApps)
	conn.AddRule(&nftables.Rule{Table: apps[0].Table, Chain: apps[0].Chain, Exprs: apps[0].Exprs, UserData: apps[0].UserData})

	entries, err := b.QueryActive(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, b.Revoke(ctx, entries[1]))
	entries, err = b.QueryActive(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNFT_ForeignRulesIgnored(t *testing.T) {
	conn := NewMockNFTablesConn().ExpectAll()
	b, _ := newTestNFT(conn, false)
	ctx := context.Background()
	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))

	apps := conn.RulesIn("appwall", chainApps)
	conn.AddRule(&nftables.Rule{Table: apps[0].Table, Chain: apps[0].Chain, UserData: []byte("hand-written")})

	entries, err := b.QueryActive(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNFT_TableDeletedExternally(t *testing.T) {
	conn := NewMockNFTablesConn().ExpectAll()
	b, _ := newTestNFT(conn, false)
	ctx := context.Background()
	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))

	conn.DelTable(&nftables.Table{Name: "appwall", Family: nftables.TableFamilyINet})

	entries, err := b.QueryActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, b.Apply(ctx, blocked("/usr/bin/curl")))
	entries, err = b.QueryActive(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNFT_PermissionDenied(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("ListTables").Return(nil, syscall.EPERM)
	b, _ := newTestNFT(conn, false)

	err := b.Apply(context.Background(), blocked("/usr/bin/curl"))
	require.Error(t, err)
	assert.Equal(t, awerrors.KindPermission, awerrors.GetKind(err))
}

func TestNFT_FlushFailureIsUnavailable(t *testing.T) {
	conn := NewMockNFTablesConn()
	// Table creation: the cleanup flush and the create flush succeed, the rule flush fails.
	conn.On("Flush").Return(nil).Twice()
	conn.On("Flush").Return(errors.New("netlink receive: no buffer space available")).Once()
	conn.ExpectAll()
	b, _ := newTestNFT(conn, false)

	err := b.Apply(context.Background(), blocked("/usr/bin/curl"))
	require.Error(t, err)
	assert.Equal(t, awerrors.KindUnavailable, awerrors.GetKind(err))
}

func TestNFT_StaleTableDeleteMissingIsIgnored(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(syscall.ENOENT).Once()
	conn.ExpectAll()
	b, _ := newTestNFT(conn, false)

	require.NoError(t, b.Apply(context.Background(), blocked("/usr/bin/curl")))
	assert.Len(t, conn.RulesIn("appwall", chainApps), 1)
}

func TestNFT_StaleTableDeleteFailureIsReported(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(syscall.EPERM).Once()
	conn.ExpectAll()
	b, _ := newTestNFT(conn, false)

	err := b.Apply(context.Background(), blocked("/usr/bin/curl"))
	require.Error(t, err)
	assert.Equal(t, awerrors.KindPermission, awerrors.GetKind(err))
	conn.AssertNumberOfCalls(t, "Flush", 1)
	conn.AssertNotCalled(t, "AddTable", mock.Anything)
}

func TestNFT_CancelledContextStartsNothing(t *testing.T) {
	conn := NewMockNFTablesConn().ExpectAll()
	b, _ := newTestNFT(conn, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Apply(ctx, blocked("/usr/bin/curl")), context.Canceled)
	conn.AssertNotCalled(t, "ListTables")
}
