//go:build linux

package firewall

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/rules"
)

const (
	chainOutput = "output"
	chainInput  = "input"
	chainApps   = "apps"

	// entryTag prefixes the UserData of every per-application drop rule.
	entryTag = "appwall:"
	// DropLogPrefix is the NFLOG prefix of dropped packets.
	DropLogPrefix = "appwall-drop: "
)

// NFTOptions configures the nftables backend.
type NFTOptions struct {
	Table      string
	QueueNum   uint16
	NFLogGroup uint16
	Inbound    bool
	FailOpen   bool
	// Flows cuts established flows when an application is blocked. Optional.
	Flows  FlowCutter
	Logger *logging.Logger
}

// NFTBackend enforces Blocked rules with an nftables table of the inet family.
type NFTBackend struct {
	conn   NFTablesConn
	opts   NFTOptions
	logger *logging.Logger

	mu    sync.Mutex
	table *nftables.Table
	apps  *nftables.Chain
}

// NewNFTBackend creates a backend on conn. The table is created lazily on
// the first Apply.
func NewNFTBackend(conn NFTablesConn, opts NFTOptions) *NFTBackend {
	if opts.Table == "" {
		opts.Table = "appwall"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &NFTBackend{
		conn:   conn,
		opts:   opts,
		logger: logger.WithComponent("nftables"),
	}
}

func (b *NFTBackend) Name() string { return "nftables" }

func entryComment(path string) []byte {
	return []byte(entryTag + path)
}

func entryPath(r *nftables.Rule) (string, bool) {
	s := string(r.UserData)
	if !strings.HasPrefix(s, entryTag) {
		return "", false
	}
	return strings.TrimPrefix(s, entryTag), true
}

// lookup finds the table and apps chain if they already exist.
func (b *NFTBackend) lookup() (bool, error) {
	if b.apps != nil {
		return true, nil
	}
	tables, err := b.conn.ListTables()
	if err != nil {
		return false, classifyNetlink(err, "list tables")
	}
	var table *nftables.Table
	for _, t := range tables {
		if t.Name == b.opts.Table && t.Family == nftables.TableFamilyINet {
			table = t
			break
		}
	}
	if table == nil {
		return false, nil
	}

	chains, err := b.conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	if err != nil {
		return false, classifyNetlink(err, "list chains")
	}
	for _, c := range chains {
		if c.Table.Name == b.opts.Table && c.Name == chainApps {
			b.table = table
			b.apps = c
			return true, nil
		}
	}
	return false, nil
}

// ensure creates the table, base chains and hook rules if they are missing.
func (b *NFTBackend) ensure() error {
	ok, err := b.lookup()
	if err != nil || ok {
		return err
	}

	table := &nftables.Table{Name: b.opts.Table, Family: nftables.TableFamilyINet}
	// A table without the apps chain is left over from a broken setup.
	b.conn.DelTable(table)
	if err := b.conn.Flush(); err != nil && !isNotExist(err) {
		return classifyNetlink(err, "delete stale table "+b.opts.Table)
	}

	b.conn.AddTable(table)
	apps := b.conn.AddChain(&nftables.Chain{Name: chainApps, Table: table})

	policy := nftables.ChainPolicyAccept
	output := b.conn.AddChain(&nftables.Chain{
		Name:     chainOutput,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	for _, exprs := range b.hookRules() {
		b.conn.AddRule(&nftables.Rule{Table: table, Chain: output, Exprs: exprs})
	}

	if b.opts.Inbound {
		input := b.conn.AddChain(&nftables.Chain{
			Name:     chainInput,
			Table:    table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookInput,
			Priority: nftables.ChainPriorityFilter,
			Policy:   &policy,
		})
		for _, exprs := range b.hookRules() {
			b.conn.AddRule(&nftables.Rule{Table: table, Chain: input, Exprs: exprs})
		}
	}

	if err := b.conn.Flush(); err != nil {
		return classifyNetlink(err, "create table "+b.opts.Table)
	}
	b.table = table
	b.apps = apps
	b.logger.Info("Created enforcement table", "table", b.opts.Table, "queue", b.opts.QueueNum, "inbound", b.opts.Inbound)
	return nil
}

// hookRules returns the rules of a hooked chain:
//
//	meta mark 0 -> meta mark set ct mark
//	meta mark 0, ct state new -> queue to the verdict worker
//	meta mark != 0 -> ct mark set meta mark
//	jump apps
func (b *NFTBackend) hookRules() [][]expr.Any {
	zero := binaryutil.NativeEndian.PutUint32(0)

	queue := &expr.Queue{Num: b.opts.QueueNum}
	if b.opts.FailOpen {
		queue.Flag = expr.QueueFlagBypass
	}

	return [][]expr.Any{
		{
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: zero},
			&expr.Ct{Key: expr.CtKeyMARK, Register: 1},
			&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
		},
		{
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: zero},
			&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitNEW),
				Xor:            zero,
			},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: zero},
			queue,
		},
		{
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: zero},
			&expr.Ct{Key: expr.CtKeyMARK, Register: 1, SourceRegister: true},
		},
		{
			&expr.Verdict{Kind: expr.VerdictJump, Chain: chainApps},
		},
	}
}

// dropRule returns the exprs dropping traffic carrying mark.
func (b *NFTBackend) dropRule(mark uint32) []expr.Any {
	exprs := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(mark)},
		&expr.Counter{},
	}
	if b.opts.NFLogGroup != 0 {
		exprs = append(exprs, &expr.Log{
			Key:   1<<unix.NFTA_LOG_GROUP | 1<<unix.NFTA_LOG_PREFIX,
			Group: b.opts.NFLogGroup,
			Data:  []byte(DropLogPrefix),
		})
	}
	return append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})
}

// Apply installs the drop rule for r.Path and cuts its established flows.
func (b *NFTBackend) Apply(ctx context.Context, r rules.Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.ensure(); err != nil {
		return err
	}

	existing, err := b.conn.GetRules(b.table, b.apps)
	if isNotExist(err) {
		// Table deleted behind our back; rebuild it.
		b.forget()
		if err := b.ensure(); err != nil {
			return err
		}
		existing, err = b.conn.GetRules(b.table, b.apps)
	}
	if err != nil {
		b.forget()
		return classifyNetlink(err, "list rules")
	}
	for _, rule := range existing {
		if p, ok := entryPath(rule); ok && p == r.Path {
			return nil
		}
	}

	mark := MarkFor(r.Path)
	b.conn.AddRule(&nftables.Rule{
		Table:    b.table,
		Chain:    b.apps,
		Exprs:    b.dropRule(mark),
		UserData: entryComment(r.Path),
	})
	if err := b.conn.Flush(); err != nil {
		b.forget()
		return classifyNetlink(err, "add rule for "+r.Path)
	}

	if b.opts.Flows != nil {
		n, err := b.opts.Flows.CutMark(mark)
		if err != nil {
			b.logger.Warn("Failed to cut established flows", "path", r.Path, "error", err)
		} else if n > 0 {
			b.logger.Debug("Cut established flows", "path", r.Path, "flows", n)
		}
	}
	return nil
}

// Revoke deletes the drop rules addressed by e.
func (b *NFTBackend) Revoke(ctx context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := b.lookup()
	if err != nil || !ok {
		return err
	}

	existing, err := b.conn.GetRules(b.table, b.apps)
	if isNotExist(err) {
		b.forget()
		return nil
	}
	if err != nil {
		b.forget()
		return classifyNetlink(err, "list rules")
	}
	deleted := 0
	for _, rule := range existing {
		p, ok := entryPath(rule)
		if !ok || p != e.Path {
			continue
		}
		if e.Handle != "" && e.Handle != strconv.FormatUint(rule.Handle, 10) {
			continue
		}
		if err := b.conn.DelRule(rule); err != nil {
			return classifyNetlink(err, "delete rule for "+e.Path)
		}
		deleted++
	}
	if deleted == 0 {
		return nil
	}
	if err := b.conn.Flush(); err != nil {
		// A rule removed concurrently by someone else is already revoked.
		if isNotExist(err) {
			return nil
		}
		b.forget()
		return classifyNetlink(err, "revoke "+e.Path)
	}
	return nil
}

// QueryActive lists the per-application drop rules in the apps chain.
func (b *NFTBackend) QueryActive(ctx context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := b.lookup()
	if err != nil || !ok {
		return nil, err
	}
	existing, err := b.conn.GetRules(b.table, b.apps)
	if isNotExist(err) {
		b.forget()
		return nil, nil
	}
	if err != nil {
		b.forget()
		return nil, classifyNetlink(err, "list rules")
	}
	entries := make([]Entry, 0, len(existing))
	for _, rule := range existing {
		p, ok := entryPath(rule)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Handle: strconv.FormatUint(rule.Handle, 10), Path: p})
	}
	return entries, nil
}

// Teardown removes the whole table. Enforcement stops until the next Apply.
func (b *NFTBackend) Teardown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok, err := b.lookup()
	if err != nil || !ok {
		return err
	}
	b.conn.DelTable(b.table)
	if err := b.conn.Flush(); err != nil {
		return classifyNetlink(err, "delete table "+b.opts.Table)
	}
	b.forget()
	return nil
}

func (b *NFTBackend) Close() error {
	return b.conn.CloseLasting()
}

// forget drops cached table state so the next call looks it up again.
func (b *NFTBackend) forget() {
	b.table = nil
	b.apps = nil
}

func isNotExist(err error) bool {
	return err != nil && (errors.Is(err, syscall.ENOENT) || errors.Is(err, os.ErrNotExist))
}

func classifyNetlink(err error, op string) error {
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES):
		return awerrors.Wrapf(err, awerrors.KindPermission, "nftables %s", op)
	case errors.Is(err, context.DeadlineExceeded):
		return awerrors.Wrapf(err, awerrors.KindTimeout, "nftables %s", op)
	default:
		return awerrors.Wrapf(err, awerrors.KindUnavailable, "nftables %s", op)
	}
}
