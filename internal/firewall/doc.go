// Package firewall translates desired rule state into OS-level network blocking.
//
// Every platform variant implements Backend with identical semantics:
//
//   - Apply installs filtering that drops the application's traffic. Applying
//     an already-enforced rule is a no-op.
//   - Revoke removes the enforcement entries of an application. Revoking
//     something that is not enforced is a no-op.
//   - QueryActive lists what the OS is enforcing right now, for drift detection.
//
// The variant is chosen once at startup by New; shared logic never branches on
// the platform.
//
// Linux uses an nftables table whose output hook hands the first packet of
// every new flow to an NFQUEUE verdict worker. The worker attributes the packet
// to its owning executable and re-injects it carrying that executable's mark.
// Per-application rules in the apps chain drop marked traffic. Windows uses
// netsh advfirewall program rules.
package firewall
