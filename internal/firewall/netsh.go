package firewall

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/rules"
	"grimm.is/appwall/internal/validation"
)

const netshTag = "appwall:"

// NetshOptions configures the Windows Firewall backend.
type NetshOptions struct {
	RulePrefix string
	Inbound    bool
	Runner     CommandRunner
	Logger     *logging.Logger
}

// NetshBackend enforces Blocked rules as Windows Firewall program rules
// managed through netsh advfirewall.
type NetshBackend struct {
	prefix  string
	inbound bool
	runner  CommandRunner
	logger  *logging.Logger
	mu      sync.Mutex
}

// NewNetshBackend creates the backend. It does not touch the firewall.
func NewNetshBackend(opts NetshOptions) *NetshBackend {
	if opts.RulePrefix == "" {
		opts.RulePrefix = "appwall"
	}
	if opts.Runner == nil {
		opts.Runner = DefaultCommandRunner
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &NetshBackend{
		prefix:  opts.RulePrefix,
		inbound: opts.Inbound,
		runner:  opts.Runner,
		logger:  logger.WithComponent("netsh"),
	}
}

func (b *NetshBackend) Name() string { return "netsh" }

// baseName is the entry handle: "<prefix>-<8 hex digits>".
func (b *NetshBackend) baseName(path string) string {
	return fmt.Sprintf("%s-%08x", b.prefix, MarkFor(path))
}

func (b *NetshBackend) netsh(ctx context.Context, args ...string) error {
	full := append([]string{"advfirewall", "firewall"}, args...)
	return classifyNetsh(b.runner.Run(ctx, "netsh", full...))
}

// Apply adds the outbound rule (and the inbound one when enabled) unless
// they already exist.
func (b *NetshBackend) Apply(ctx context.Context, r rules.Rule) error {
	if err := validation.ValidateCommandArgument(r.Path); err != nil {
		return awerrors.Wrap(err, awerrors.KindValidation, "unsupported program path")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	present, err := b.list(ctx)
	if err != nil {
		return err
	}
	base := b.baseName(r.Path)
	dirs := []string{"out"}
	if b.inbound {
		dirs = append(dirs, "in")
	}
	for _, dir := range dirs {
		name := base + "-" + dir
		if _, ok := present[name]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.netsh(ctx, "add", "rule",
			"name="+name,
			"dir="+dir,
			"action=block",
			"program="+r.Path,
			"enable=yes",
			"profile=any",
			"description="+netshTag+r.Path,
		)
		if err != nil {
			return awerrors.Attr(err, "rule", name)
		}
	}
	return nil
}

// Revoke deletes both direction rules of the entry.
func (b *NetshBackend) Revoke(ctx context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := e.Handle
	if base == "" {
		base = b.baseName(e.Path)
	}
	for _, dir := range []string{"out", "in"} {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.netsh(ctx, "delete", "rule", "name="+base+"-"+dir)
		if err != nil && !errors.Is(err, errNoNetshMatch) {
			return awerrors.Attr(err, "rule", base+"-"+dir)
		}
	}
	return nil
}

// QueryActive reports one entry per rule base name, present if either
// direction rule exists. Orphaned halves are reported so reconcile revokes them.
func (b *NetshBackend) QueryActive(ctx context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	present, err := b.list(ctx)
	if err != nil {
		return nil, err
	}
	byBase := make(map[string]Entry)
	for name, nr := range present {
		base, ok := strings.CutSuffix(name, "-out")
		if !ok {
			if base, ok = strings.CutSuffix(name, "-in"); !ok {
				continue
			}
		}
		if e, seen := byBase[base]; seen && e.Path != "" {
			continue
		}
		byBase[base] = Entry{Handle: base, Path: nr.Path()}
	}
	entries := make([]Entry, 0, len(byBase))
	for _, e := range byBase {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Handle, b.Handle) })
	return entries, nil
}

// list returns this backend's rules keyed by name.
func (b *NetshBackend) list(ctx context.Context) (map[string]NetshRule, error) {
	out, err := b.runner.Output(ctx, "netsh", "advfirewall", "firewall", "show", "rule", "name=all", "verbose")
	if err != nil {
		return nil, classifyNetsh(err)
	}
	present := make(map[string]NetshRule)
	for _, nr := range ParseNetshRules(out) {
		if !strings.HasPrefix(nr.Name, b.prefix+"-") || !strings.EqualFold(nr.Action, "block") {
			continue
		}
		present[nr.Name] = nr
	}
	return present, nil
}

func (b *NetshBackend) Close() error { return nil }

// NetshRule is one rule block of "netsh advfirewall firewall show rule verbose".
type NetshRule struct {
	Name        string
	Description string
	Enabled     bool
	Direction   string
	Action      string
	Program     string
}

// Path returns the rule path recorded in the description, else the program.
func (r NetshRule) Path() string {
	if p, ok := strings.CutPrefix(r.Description, netshTag); ok {
		return p
	}
	return strings.ToLower(r.Program)
}

// ParseNetshRules parses verbose show-rule output. Rules are separated by a
// "Rule Name:" line followed by a dashed line; unknown keys are ignored.
func ParseNetshRules(out []byte) []NetshRule {
	var rulesOut []NetshRule
	var cur *NetshRule

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch strings.ToLower(key) {
		case "rule name":
			if cur != nil {
				rulesOut = append(rulesOut, *cur)
			}
			cur = &NetshRule{Name: val}
		case "description":
			if cur != nil {
				cur.Description = val
			}
		case "enabled":
			if cur != nil {
				cur.Enabled = strings.EqualFold(val, "yes")
			}
		case "direction":
			if cur != nil {
				cur.Direction = val
			}
		case "action":
			if cur != nil {
				cur.Action = val
			}
		case "program":
			if cur != nil {
				cur.Program = val
			}
		}
	}
	if cur != nil {
		rulesOut = append(rulesOut, *cur)
	}
	return rulesOut
}

var errNoNetshMatch = errors.New("no rules match the specified criteria")

// classifyNetsh maps netsh failures onto error kinds by their output.
func classifyNetsh(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return awerrors.Wrap(err, awerrors.KindTimeout, "netsh timed out")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no rules match"):
		return fmt.Errorf("%w: %v", errNoNetshMatch, err)
	case strings.Contains(msg, "requires elevation"), strings.Contains(msg, "access is denied"):
		return awerrors.Wrap(err, awerrors.KindPermission, "netsh requires administrator rights")
	case strings.Contains(msg, "executable file not found"), strings.Contains(msg, "service is not running"),
		strings.Contains(msg, "firewall service"):
		return awerrors.Wrap(err, awerrors.KindUnavailable, "windows firewall unavailable")
	default:
		return awerrors.Wrap(err, awerrors.KindUnavailable, "netsh failed")
	}
}
