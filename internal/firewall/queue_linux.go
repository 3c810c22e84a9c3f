//go:build linux

package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/appwall/internal/logging"
)

// Flow is the 5-tuple of a queued packet.
type Flow struct {
	Proto string // "tcp", "udp", or an IP protocol name
	Src   netip.AddrPort
	Dst   netip.AddrPort
}

// ParseFlow decodes the IP and transport headers of a raw packet.
func ParseFlow(payload []byte) (Flow, bool) {
	if len(payload) == 0 {
		return Flow{}, false
	}
	var first gopacket.Decoder
	switch payload[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return Flow{}, false
	}
	pkt := gopacket.NewPacket(payload, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	var src, dst netip.Addr
	var proto uint8
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
		proto = uint8(ip.Protocol)
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
		proto = uint8(ip.NextHeader)
	default:
		return Flow{}, false
	}
	src, dst = src.Unmap(), dst.Unmap()

	f := Flow{Proto: protoName(proto)}
	switch t := pkt.TransportLayer().(type) {
	case *layers.TCP:
		f.Src = netip.AddrPortFrom(src, uint16(t.SrcPort))
		f.Dst = netip.AddrPortFrom(dst, uint16(t.DstPort))
	case *layers.UDP:
		f.Src = netip.AddrPortFrom(src, uint16(t.SrcPort))
		f.Dst = netip.AddrPortFrom(dst, uint16(t.DstPort))
	default:
		f.Src = netip.AddrPortFrom(src, 0)
		f.Dst = netip.AddrPortFrom(dst, 0)
	}
	return f, true
}

// Attributor maps a PID to the canonical executable path of its process.
type Attributor func(ctx context.Context, pid int32) (string, bool)

// VerdictStats counts worker outcomes.
type VerdictStats struct {
	Processed    uint64
	Attributed   uint64
	Unattributed uint64
	Errors       uint64
}

// VerdictWorker reads the first packet of each new flow from NFQUEUE,
// attributes it to an executable and re-injects it with that executable's mark.
// It never drops: the per-application rules do that.
type VerdictWorker struct {
	QueueNum uint16
	Sockets  SocketResolver
	Resolve  Attributor
	Logger   *logging.Logger
	// OnVerdict observes every verdict; path is empty when unattributed.
	OnVerdict func(path string, mark uint32)

	queue  *nfqueue.Nfqueue
	cancel context.CancelFunc
	mu     sync.Mutex

	processed, attributed, unattributed, verdictErrors atomic.Uint64
}

// Start opens the queue and begins handling packets until ctx ends or Stop is called.
func (w *VerdictWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queue != nil {
		return fmt.Errorf("verdict worker already running on queue %d", w.QueueNum)
	}
	if w.Resolve == nil || w.Sockets == nil {
		return fmt.Errorf("verdict worker needs a socket resolver and an attributor")
	}
	if w.Logger == nil {
		w.Logger = logging.Default()
	}
	w.Logger = w.Logger.WithComponent("nfqueue")

	config := nfqueue.Config{
		NfQueue:      w.QueueNum,
		MaxPacketLen: 128, // Only headers are needed for flow identification
		MaxQueueLen:  1024,
		Copymode:     nfqueue.NfQnlCopyPacket,
	}
	nf, err := nfqueue.Open(&config)
	if err != nil {
		return classifyNetlink(err, fmt.Sprintf("open queue %d", w.QueueNum))
	}

	ctx, cancel := context.WithCancel(ctx)
	err = nf.RegisterWithErrorFunc(ctx,
		func(a nfqueue.Attribute) int {
			w.handle(ctx, nf, a)
			return 0
		},
		func(err error) int {
			if ctx.Err() == nil {
				w.Logger.Warn("Queue receive error", "queue", w.QueueNum, "error", err)
			}
			return 0
		},
	)
	if err != nil {
		cancel()
		nf.Close()
		return classifyNetlink(err, "register queue callback")
	}

	w.queue = nf
	w.cancel = cancel
	w.Logger.Info("Listening for new flows", "queue", w.QueueNum)
	return nil
}

func (w *VerdictWorker) handle(ctx context.Context, nf *nfqueue.Nfqueue, a nfqueue.Attribute) {
	if a.PacketID == nil {
		return
	}
	w.processed.Add(1)
	id := *a.PacketID

	mark := UnattributedMark
	path := ""
	if a.Payload != nil {
		if p, ok := w.attribute(ctx, *a.Payload); ok {
			path = p
			mark = MarkFor(p)
		}
	}
	if path == "" {
		w.unattributed.Add(1)
	} else {
		w.attributed.Add(1)
	}
	if w.OnVerdict != nil {
		w.OnVerdict(path, mark)
	}

	// Repeat sends the packet through the hook again; with a mark set it
	// skips the queue rule and meets the apps chain.
	if err := nf.SetVerdictWithMark(id, nfqueue.NfRepeat, int(mark)); err != nil {
		w.verdictErrors.Add(1)
		w.Logger.Debug("Failed to set verdict", "packet", id, "error", err)
	}
}

func (w *VerdictWorker) attribute(ctx context.Context, payload []byte) (string, bool) {
	f, ok := ParseFlow(payload)
	if !ok || (f.Proto != "tcp" && f.Proto != "udp") {
		return "", false
	}
	// Output hook: the source is local. Input hook: the destination is.
	pid, ok := w.Sockets.OwnerPID(f.Proto, f.Src, f.Dst)
	if !ok {
		pid, ok = w.Sockets.OwnerPID(f.Proto, f.Dst, f.Src)
	}
	if !ok || pid <= 0 {
		return "", false
	}
	return w.Resolve(ctx, pid)
}

// Stats returns counters since Start.
func (w *VerdictWorker) Stats() VerdictStats {
	return VerdictStats{
		Processed:    w.processed.Load(),
		Attributed:   w.attributed.Load(),
		Unattributed: w.unattributed.Load(),
		Errors:       w.verdictErrors.Load(),
	}
}

// Stop closes the queue. With fail_open the kernel then bypasses the queue
// rule; otherwise new flows stall until a worker returns.
func (w *VerdictWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.queue != nil {
		w.queue.Close()
		w.queue = nil
	}
}
