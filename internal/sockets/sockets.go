// Package sockets reads the kernel socket tables and maps sockets to the
// processes holding them.
package sockets

import (
	"fmt"
	"net/netip"
)

// Socket is one row of a kernel socket table.
type Socket struct {
	Proto  string // "tcp", "tcp6", "udp", "udp6"
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  string
	Inode  uint64
	UID    uint64
}

// tcpStates maps /proc/net/tcp state codes to names.
var tcpStates = map[uint64]string{
	0x01: "ESTABLISHED",
	0x02: "SYN_SENT",
	0x03: "SYN_RECV",
	0x04: "FIN_WAIT1",
	0x05: "FIN_WAIT2",
	0x06: "TIME_WAIT",
	0x07: "CLOSE",
	0x08: "CLOSE_WAIT",
	0x09: "LAST_ACK",
	0x0A: "LISTEN",
	0x0B: "CLOSING",
	0x0C: "NEW_SYN_RECV",
}

// TCPState returns the name of a kernel TCP state code.
func TCPState(code uint64) string {
	if s, ok := tcpStates[code]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", code)
}

// IsTCP reports whether the socket is a TCP socket.
func (s Socket) IsTCP() bool {
	return s.Proto == "tcp" || s.Proto == "tcp6"
}

// Matches reports whether the socket is the local end of a flow from local to remote.
// Unconnected sockets (UDP, listeners) match on the local port and a wildcard address.
func (s Socket) Matches(local, remote netip.AddrPort) bool {
	if s.Local.Port() != local.Port() {
		return false
	}
	if !addrMatch(s.Local.Addr(), local.Addr()) {
		return false
	}
	if s.Remote.Port() == 0 {
		return true
	}
	return s.Remote.Port() == remote.Port() && addrMatch(s.Remote.Addr(), remote.Addr())
}

func addrMatch(table, want netip.Addr) bool {
	if !table.IsValid() || table.IsUnspecified() {
		return true
	}
	return table.Unmap() == want.Unmap()
}
