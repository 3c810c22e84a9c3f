// Package config loads and validates the appwall HCL configuration.
//
// The file is optional: a missing file yields Default(). Relative rules and
// journal paths are resolved against the brand state directory.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/validation"
)

// Rule states accepted by default_state.
const (
	StateAllowed = "allowed"
	StateBlocked = "blocked"
)

// Config is the top-level appwall configuration.
type Config struct {
	// DefaultState applies to identities without an explicit rule.
	DefaultState string `hcl:"default_state,optional"`

	RulesFile   string `hcl:"rules_file,optional"`
	JournalFile string `hcl:"journal_file,optional"`

	BackendTimeout  string `hcl:"backend_timeout,optional"`
	RefreshInterval string `hcl:"refresh_interval,optional"`

	HashPinning          bool `hcl:"hash_pinning,optional"`
	CaseInsensitivePaths bool `hcl:"case_insensitive_paths,optional"`

	Linux   *LinuxConfig   `hcl:"linux,block"`
	Windows *WindowsConfig `hcl:"windows,block"`
	Metrics *MetricsConfig `hcl:"metrics,block"`
	Log     *LogConfig     `hcl:"log,block"`

	// StateDir anchors relative rules and journal paths (default: brand state dir).
	StateDir string `hcl:"state_dir,optional"`
}

// LinuxConfig configures the nftables backend.
type LinuxConfig struct {
	Table      string `hcl:"table,optional"`
	QueueNum   int    `hcl:"queue_num,optional"`
	NFLogGroup int    `hcl:"nflog_group,optional"`
	Inbound    *bool  `hcl:"inbound,optional"`
	// FailOpen lets traffic through when no verdict worker is attached to the queue.
	FailOpen *bool `hcl:"fail_open,optional"`
}

// WindowsConfig configures the netsh advfirewall backend.
type WindowsConfig struct {
	RulePrefix string `hcl:"rule_prefix,optional"`
	Inbound    *bool  `hcl:"inbound,optional"`
}

// MetricsConfig controls the Prometheus endpoint served by the daemon.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level string `hcl:"level,optional"`
	JSON  bool   `hcl:"json,optional"`
}

const (
	DefaultBackendTimeout  = 5 * time.Second
	DefaultRefreshInterval = 60 * time.Second
	DefaultTable           = "appwall"
	DefaultQueueNum        = 4242
	DefaultNFLogGroup      = 4243
	DefaultRulePrefix      = "appwall"
)

func boolPtr(b bool) *bool { return &b }

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		DefaultState:    StateAllowed,
		RulesFile:       brand.RulesFileName,
		JournalFile:     brand.JournalFileName,
		BackendTimeout:  DefaultBackendTimeout.String(),
		RefreshInterval: DefaultRefreshInterval.String(),
	}
	cfg.applyBlockDefaults()
	return cfg
}

// applyBlockDefaults fills blocks and their zero-valued fields.
func (c *Config) applyBlockDefaults() {
	if c.Linux == nil {
		c.Linux = &LinuxConfig{}
	}
	if c.Linux.Table == "" {
		c.Linux.Table = DefaultTable
	}
	if c.Linux.QueueNum == 0 {
		c.Linux.QueueNum = DefaultQueueNum
	}
	if c.Linux.NFLogGroup == 0 {
		c.Linux.NFLogGroup = DefaultNFLogGroup
	}
	if c.Linux.Inbound == nil {
		c.Linux.Inbound = boolPtr(true)
	}
	if c.Linux.FailOpen == nil {
		c.Linux.FailOpen = boolPtr(true)
	}

	if c.Windows == nil {
		c.Windows = &WindowsConfig{}
	}
	if c.Windows.RulePrefix == "" {
		c.Windows.RulePrefix = DefaultRulePrefix
	}
	if c.Windows.Inbound == nil {
		c.Windows.Inbound = boolPtr(true)
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// BackendTimeoutDuration returns the parsed backend timeout.
// Validate guarantees it parses; a zero or bad value falls back to the default.
func (c *Config) BackendTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.BackendTimeout)
	if err != nil || d <= 0 {
		return DefaultBackendTimeout
	}
	return d
}

// RefreshIntervalDuration returns the daemon's periodic reconcile interval.
// "0s" disables the timer.
func (c *Config) RefreshIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil || d < 0 {
		return DefaultRefreshInterval
	}
	return d
}

// DefaultBlocked reports whether unknown identities are blocked.
func (c *Config) DefaultBlocked() bool {
	return c.DefaultState == StateBlocked
}

// RulesPath returns the absolute rules file location.
func (c *Config) RulesPath() string {
	return c.resolve(c.RulesFile)
}

// JournalPath returns the absolute journal location, or "" when disabled.
func (c *Config) JournalPath() string {
	if c.JournalFile == "" {
		return ""
	}
	return c.resolve(c.JournalFile)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	dir := c.StateDir
	if dir == "" {
		dir = brand.GetStateDir()
	}
	return filepath.Join(dir, p)
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if err := validation.ValidateAllowlist(c.DefaultState, []string{StateAllowed, StateBlocked}); err != nil {
		return fmt.Errorf("default_state must be %q or %q, got %q", StateAllowed, StateBlocked, c.DefaultState)
	}
	if c.RulesFile == "" {
		return fmt.Errorf("rules_file must not be empty")
	}
	if d, err := time.ParseDuration(c.BackendTimeout); err != nil || d <= 0 {
		return fmt.Errorf("backend_timeout must be a positive duration, got %q", c.BackendTimeout)
	}
	if d, err := time.ParseDuration(c.RefreshInterval); err != nil || d < 0 {
		return fmt.Errorf("refresh_interval must be a duration, got %q", c.RefreshInterval)
	}
	if c.Linux != nil {
		if err := validation.ValidateIdentifier(c.Linux.Table); err != nil {
			return fmt.Errorf("linux.table: %w", err)
		}
		if err := validation.ValidateRange("linux.queue_num", c.Linux.QueueNum, 0, 65535); err != nil {
			return err
		}
		if err := validation.ValidateRange("linux.nflog_group", c.Linux.NFLogGroup, 0, 65535); err != nil {
			return err
		}
		if c.Linux.NFLogGroup == c.Linux.QueueNum {
			return fmt.Errorf("linux.nflog_group and linux.queue_num must differ")
		}
	}
	if c.Windows != nil {
		if err := validation.ValidateIdentifier(c.Windows.RulePrefix); err != nil {
			return fmt.Errorf("windows.rule_prefix: %w", err)
		}
	}
	if c.Metrics != nil && c.Metrics.Listen != "" {
		if err := validation.ValidateListenAddress(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}
	return nil
}
