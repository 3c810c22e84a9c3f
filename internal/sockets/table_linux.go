//go:build linux

package sockets

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Reader reads socket tables and resolves socket inodes to PIDs from procfs.
type Reader struct {
	fs procfs.FS

	// MinRefresh bounds how often a cache miss rescans /proc/*/fd.
	MinRefresh time.Duration

	mu        sync.Mutex
	owners    map[uint64]int32
	refreshed time.Time
}

// NewReader opens procfs at mountPoint ("" for /proc).
func NewReader(mountPoint string) (*Reader, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &Reader{fs: fs, MinRefresh: 250 * time.Millisecond, owners: map[uint64]int32{}}, nil
}

func toAddrPort(ip net.IP, port uint64) netip.AddrPort {
	addr, _ := netip.AddrFromSlice(ip)
	return netip.AddrPortFrom(addr.Unmap(), uint16(port))
}

// Table returns all TCP and UDP sockets, IPv4 and IPv6. A missing IPv6
// table is not an error.
func (r *Reader) Table() ([]Socket, error) {
	var out []Socket

	tcp4, err := r.fs.NetTCP()
	if err != nil {
		return nil, err
	}
	for _, l := range tcp4 {
		out = append(out, Socket{Proto: "tcp", Local: toAddrPort(l.LocalAddr, l.LocalPort), Remote: toAddrPort(l.RemAddr, l.RemPort), State: TCPState(l.St), Inode: l.Inode, UID: l.UID})
	}
	if tcp6, err := r.fs.NetTCP6(); err == nil {
		for _, l := range tcp6 {
			out = append(out, Socket{Proto: "tcp6", Local: toAddrPort(l.LocalAddr, l.LocalPort), Remote: toAddrPort(l.RemAddr, l.RemPort), State: TCPState(l.St), Inode: l.Inode, UID: l.UID})
		}
	}

	udp4, err := r.fs.NetUDP()
	if err != nil {
		return nil, err
	}
	for _, l := range udp4 {
		out = append(out, Socket{Proto: "udp", Local: toAddrPort(l.LocalAddr, l.LocalPort), Remote: toAddrPort(l.RemAddr, l.RemPort), Inode: l.Inode, UID: l.UID})
	}
	if udp6, err := r.fs.NetUDP6(); err == nil {
		for _, l := range udp6 {
			out = append(out, Socket{Proto: "udp6", Local: toAddrPort(l.LocalAddr, l.LocalPort), Remote: toAddrPort(l.RemAddr, l.RemPort), Inode: l.Inode, UID: l.UID})
		}
	}
	return out, nil
}

// Owners maps every socket inode to the PID holding it. Processes that
// vanish or deny access during the scan are skipped.
func (r *Reader) Owners() (map[uint64]int32, error) {
	procs, err := r.fs.AllProcs()
	if err != nil {
		return nil, err
	}
	owners := make(map[uint64]int32)
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, t := range targets {
			if inode, ok := parseSocketTarget(t); ok {
				if _, seen := owners[inode]; !seen {
					owners[inode] = int32(p.PID)
				}
			}
		}
	}

	r.mu.Lock()
	r.owners = owners
	r.refreshed = time.Now()
	r.mu.Unlock()
	return owners, nil
}

// Owner returns the PID holding the socket inode, rescanning on a cache miss
// at most once per MinRefresh.
func (r *Reader) Owner(inode uint64) (int32, bool) {
	r.mu.Lock()
	pid, ok := r.owners[inode]
	stale := time.Since(r.refreshed) >= r.MinRefresh
	r.mu.Unlock()
	if ok || !stale {
		return pid, ok
	}
	owners, err := r.Owners()
	if err != nil {
		return 0, false
	}
	pid, ok = owners[inode]
	return pid, ok
}

// Find returns the socket that is the local end of local->remote for proto
// ("tcp" or "udp"), preferring an exact connected match over a wildcard one.
func (r *Reader) Find(proto string, local, remote netip.AddrPort) (Socket, bool) {
	table, err := r.Table()
	if err != nil {
		return Socket{}, false
	}
	var wildcard Socket
	found := false
	for _, s := range table {
		if !strings.HasPrefix(s.Proto, proto) || !s.Matches(local, remote) {
			continue
		}
		if s.Remote.Port() != 0 {
			return s, true
		}
		if !found {
			wildcard, found = s, true
		}
	}
	return wildcard, found
}

// parseSocketTarget extracts the inode from a "socket:[12345]" fd link.
func parseSocketTarget(target string) (uint64, bool) {
	if !strings.HasPrefix(target, "socket:[") || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	n, err := strconv.ParseUint(target[len("socket:["):len(target)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
