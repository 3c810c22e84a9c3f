//go:build linux

package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/florianl/go-nflog/v2"

	"grimm.is/appwall/internal/logging"
)

// Drop is one packet dropped by a per-application rule.
type Drop struct {
	Mark uint32
	Flow Flow
	At   time.Time
}

// DropWatcher listens on the NFLOG group the drop rules log to.
type DropWatcher struct {
	Group  uint16
	Logger *logging.Logger
	// OnDrop is called for every logged drop from the nflog goroutine.
	OnDrop func(Drop)

	nf     *nflog.Nflog
	cancel context.CancelFunc
	mu     sync.Mutex
}

// Start begins listening until ctx ends or Stop is called.
func (w *DropWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nf != nil {
		return fmt.Errorf("drop watcher already running on group %d", w.Group)
	}
	if w.Logger == nil {
		w.Logger = logging.Default()
	}
	w.Logger = w.Logger.WithComponent("nflog")

	config := nflog.Config{
		Group:       w.Group,
		Copymode:    nflog.CopyPacket,
		Bufsize:     128,
		ReadTimeout: 10 * time.Millisecond,
	}
	nf, err := nflog.Open(&config)
	if err != nil {
		return classifyNetlink(err, fmt.Sprintf("open nflog group %d", w.Group))
	}

	ctx, cancel := context.WithCancel(ctx)
	err = nf.RegisterWithErrorFunc(ctx,
		func(attrs nflog.Attribute) int {
			if d, ok := parseDrop(attrs); ok && w.OnDrop != nil {
				w.OnDrop(d)
			}
			return 0
		},
		func(err error) int {
			if ctx.Err() == nil {
				w.Logger.Warn("NFLOG receive error", "group", w.Group, "error", err)
			}
			return 0
		},
	)
	if err != nil {
		cancel()
		nf.Close()
		return classifyNetlink(err, "register nflog callback")
	}
	w.nf = nf
	w.cancel = cancel
	w.Logger.Info("Watching dropped packets", "group", w.Group)
	return nil
}

func parseDrop(attrs nflog.Attribute) (Drop, bool) {
	if attrs.Prefix == nil || !strings.HasPrefix(*attrs.Prefix, strings.TrimSpace(DropLogPrefix)) {
		return Drop{}, false
	}
	d := Drop{At: time.Now()}
	if attrs.Timestamp != nil {
		d.At = *attrs.Timestamp
	}
	if attrs.Mark != nil {
		d.Mark = *attrs.Mark
	}
	if attrs.Payload != nil {
		d.Flow, _ = ParseFlow(*attrs.Payload)
	}
	return d, true
}

// Stop closes the nflog socket.
func (w *DropWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.nf != nil {
		w.nf.Close()
		w.nf = nil
	}
}
