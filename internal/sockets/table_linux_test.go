//go:build linux

package sockets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSocketTarget(t *testing.T) {
	n, ok := parseSocketTarget("socket:[12345]")
	require.True(t, ok)
	assert.Equal(t, uint64(12345), n)

	for _, bad := range []string{"pipe:[1]", "socket:[x]", "/dev/null", "socket:[12"} {
		_, ok := parseSocketTarget(bad)
		assert.False(t, ok, bad)
	}
}

func TestReader_LiveProc(t *testing.T) {
	r, err := NewReader("")
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	_, err = r.Table()
	require.NoError(t, err)
	_, err = r.Owners()
	require.NoError(t, err)
}
