//go:build linux

package firewall

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"

	"grimm.is/appwall/internal/sockets"
)

// SocketResolver finds the process owning the local end of a flow.
type SocketResolver interface {
	// OwnerPID returns the PID of the socket for a flow of proto ("tcp" or
	// "udp") between local and remote.
	OwnerPID(proto string, local, remote netip.AddrPort) (int32, bool)
}

// KernelSocketResolver asks sock_diag first and falls back to the procfs
// socket tables, then maps the socket inode to a PID through /proc/*/fd.
type KernelSocketResolver struct {
	Proc *sockets.Reader
}

func (k *KernelSocketResolver) OwnerPID(proto string, local, remote netip.AddrPort) (int32, bool) {
	var inode uint64
	if proto == "tcp" {
		lAddr := &net.TCPAddr{IP: local.Addr().AsSlice(), Port: int(local.Port())}
		rAddr := &net.TCPAddr{IP: remote.Addr().AsSlice(), Port: int(remote.Port())}
		if s, err := netlink.SocketGet(lAddr, rAddr); err == nil && s != nil {
			inode = uint64(s.INode)
		}
	}
	if inode == 0 {
		s, ok := k.Proc.Find(proto, local, remote)
		if !ok {
			return 0, false
		}
		inode = s.Inode
	}
	if inode == 0 {
		return 0, false
	}
	return k.Proc.Owner(inode)
}
