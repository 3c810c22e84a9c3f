// Package testutil holds helpers shared by tests.
package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test unless APPWALL_VM_TEST is set. Tests that program
// the real kernel firewall (nftables, NFQUEUE, conntrack) run only there.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("APPWALL_VM_TEST") == "" {
		t.Skip("Skipping test: requires APPWALL_VM_TEST environment")
	}
}

// RequireRoot skips the test unless it runs with euid 0.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
