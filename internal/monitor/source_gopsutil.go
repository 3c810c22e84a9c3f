package monitor

import (
	"context"
	"net/netip"
	"syscall"

	psnet "github.com/shirou/gopsutil/v4/net"

	awerrors "grimm.is/appwall/internal/errors"
)

// GopsutilSource reads the connection table through gopsutil. It works on
// every platform gopsutil supports and is the default outside Linux.
type GopsutilSource struct{}

func (GopsutilSource) Connections(ctx context.Context) ([]RawConn, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, awerrors.Wrap(err, awerrors.KindUnavailable, "read connection table")
	}
	out := make([]RawConn, 0, len(conns))
	for _, c := range conns {
		out = append(out, RawConn{
			Protocol: protocolName(c.Type, c.Family),
			Local:    addrPort(c.Laddr),
			Remote:   addrPort(c.Raddr),
			State:    c.Status,
			PID:      c.Pid,
		})
	}
	return out, nil
}

func addrPort(a psnet.Addr) netip.AddrPort {
	addr, err := netip.ParseAddr(a.IP)
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(a.Port))
}

func protocolName(sockType, family uint32) string {
	proto := "tcp"
	if sockType == syscall.SOCK_DGRAM {
		proto = "udp"
	}
	if family == syscall.AF_INET6 {
		proto += "6"
	}
	return proto
}
