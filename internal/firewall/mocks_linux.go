//go:build linux

package firewall

import (
	"sync"
	"syscall"

	"github.com/google/nftables"
	"github.com/stretchr/testify/mock"
)

// MockNFTablesConn is a mock implementation of NFTablesConn for testing.
// Unless an expectation returns explicit values, it serves reads from an
// in-memory model of the ruleset and assigns rule handles like the kernel.
type MockNFTablesConn struct {
	mock.Mock
	mu sync.Mutex

	tables map[string]*nftables.Table
	chains map[string]*nftables.Chain
	rules  map[string][]*nftables.Rule
	handle uint64
}

// NewMockNFTablesConn creates a new mock nftables connection.
func NewMockNFTablesConn() *MockNFTablesConn {
	return &MockNFTablesConn{
		tables: make(map[string]*nftables.Table),
		chains: make(map[string]*nftables.Chain),
		rules:  make(map[string][]*nftables.Rule),
	}
}

// ExpectAll allows every call with in-memory behavior and a successful Flush.
func (m *MockNFTablesConn) ExpectAll() *MockNFTablesConn {
	m.On("AddTable", mock.Anything).Maybe()
	m.On("DelTable", mock.Anything).Maybe()
	m.On("ListTables").Return(nil, nil).Maybe()
	m.On("AddChain", mock.Anything).Maybe()
	m.On("ListChainsOfTableFamily", mock.Anything).Return(nil, nil).Maybe()
	m.On("AddRule", mock.Anything).Maybe()
	m.On("DelRule", mock.Anything).Return(nil).Maybe()
	m.On("GetRules", mock.Anything, mock.Anything).Return(nil, nil).Maybe()
	m.On("Flush").Return(nil).Maybe()
	m.On("CloseLasting").Return(nil).Maybe()
	return m
}

func chainKey(table, chain string) string {
	return table + "/" + chain
}

func (m *MockNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(t)
	if _, ok := m.tables[t.Name]; !ok {
		m.tables[t.Name] = t
	}
	return t
}

func (m *MockNFTablesConn) DelTable(t *nftables.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(t)
	delete(m.tables, t.Name)
	for k, c := range m.chains {
		if c.Table.Name == t.Name {
			delete(m.chains, k)
			delete(m.rules, k)
		}
	}
}

func (m *MockNFTablesConn) ListTables() ([]*nftables.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called()
	if args.Get(0) != nil {
		return args.Get(0).([]*nftables.Table), args.Error(1)
	}
	tables := make([]*nftables.Table, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	return tables, args.Error(1)
}

func (m *MockNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(c)
	key := chainKey(c.Table.Name, c.Name)
	if _, ok := m.chains[key]; !ok {
		m.chains[key] = c
	}
	return c
}

func (m *MockNFTablesConn) ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(family)
	if args.Get(0) != nil {
		return args.Get(0).([]*nftables.Chain), args.Error(1)
	}
	chains := make([]*nftables.Chain, 0)
	for _, c := range m.chains {
		if c.Table.Family == family {
			chains = append(chains, c)
		}
	}
	return chains, args.Error(1)
}

func (m *MockNFTablesConn) AddRule(r *nftables.Rule) *nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Called(r)
	m.handle++
	r.Handle = m.handle
	key := chainKey(r.Table.Name, r.Chain.Name)
	m.rules[key] = append(m.rules[key], r)
	return r
}

func (m *MockNFTablesConn) DelRule(r *nftables.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(r)
	if err := args.Error(0); err != nil {
		return err
	}
	key := chainKey(r.Table.Name, r.Chain.Name)
	kept := m.rules[key][:0]
	for _, existing := range m.rules[key] {
		if existing.Handle != r.Handle {
			kept = append(kept, existing)
		}
	}
	m.rules[key] = kept
	return nil
}

func (m *MockNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(t, c)
	if args.Get(0) != nil {
		return args.Get(0).([]*nftables.Rule), args.Error(1)
	}
	key := chainKey(t.Name, c.Name)
	if _, ok := m.chains[key]; !ok {
		return nil, syscall.ENOENT
	}
	out := make([]*nftables.Rule, len(m.rules[key]))
	copy(out, m.rules[key])
	return out, args.Error(1)
}

func (m *MockNFTablesConn) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called()
	return args.Error(0)
}

func (m *MockNFTablesConn) CloseLasting() error {
	args := m.Called()
	return args.Error(0)
}

// RulesIn returns the rules currently held for a chain.
func (m *MockNFTablesConn) RulesIn(table, chain string) []*nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*nftables.Rule(nil), m.rules[chainKey(table, chain)]...)
}

// GetChainCount returns the number of chains.
func (m *MockNFTablesConn) GetChainCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chains)
}
