package metrics

import (
	"context"
	"iter"
	"sync"
	"time"

	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/rules"
)

// RuleLister is the read side of the rule store.
type RuleLister interface {
	List() iter.Seq2[string, rules.Rule]
}

// Collector samples the rule store into the registry on an interval.
type Collector struct {
	registry *Registry
	rules    RuleLister
	logger   *logging.Logger
	interval time.Duration

	mu         sync.Mutex
	lastSample time.Time
	stopCh     chan struct{}
	done       chan struct{}
}

// NewCollector creates a collector. It does nothing until Start.
func NewCollector(reg *Registry, rl RuleLister, logger *logging.Logger, interval time.Duration) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		registry: reg,
		rules:    rl,
		logger:   logger.WithComponent("metrics"),
		interval: interval,
	}
}

// Sample updates the rules gauge immediately.
func (c *Collector) Sample() {
	var allowed, blocked int
	for _, r := range c.rules.List() {
		if r.IsBlocked() {
			blocked++
		} else {
			allowed++
		}
	}
	c.registry.SetRuleCounts(allowed, blocked)

	c.mu.Lock()
	c.lastSample = time.Now()
	c.mu.Unlock()
}

// LastSample returns when Sample last ran.
func (c *Collector) LastSample() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSample
}

// Start samples once and then every interval until ctx ends or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stopCh, c.done
	c.mu.Unlock()

	c.Sample()
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.Sample()
			}
		}
	}()
	c.logger.Debug("Metrics collector started", "interval", c.interval)
}

// Stop stops the background loop and waits for it to exit.
func (c *Collector) Stop() {
	c.mu.Lock()
	stop, done := c.stopCh, c.done
	c.stopCh, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
