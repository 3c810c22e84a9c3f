//go:build linux

package firewall

import (
	"fmt"

	"github.com/ti-mo/conntrack"
)

// FlowCutter removes tracked flows carrying an application mark, so traffic
// of an application that was just blocked cannot ride on existing flows
// without being re-evaluated.
type FlowCutter interface {
	CutMark(mark uint32) (int, error)
}

// ConntrackCutter deletes conntrack entries over netlink.
type ConntrackCutter struct{}

// CutMark deletes every conntrack flow whose mark equals mark.
func (ConntrackCutter) CutMark(mark uint32) (int, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return 0, fmt.Errorf("conntrack dial failed: %w", err)
	}
	defer conn.Close()

	flows, err := conn.Dump(nil)
	if err != nil {
		return 0, fmt.Errorf("conntrack dump failed: %w", err)
	}

	cut := 0
	for _, f := range flows {
		if f.Mark != mark {
			continue
		}
		if err := conn.Delete(f); err != nil {
			// Flow expired between dump and delete.
			continue
		}
		cut++
	}
	return cut, nil
}

// protoName converts an IP protocol number to its name.
func protoName(proto uint8) string {
	switch proto {
	case 6:
		return "tcp"
	case 17:
		return "udp"
	case 1:
		return "icmp"
	case 58:
		return "icmpv6"
	default:
		return fmt.Sprintf("%d", proto)
	}
}
