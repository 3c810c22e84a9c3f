package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
)

// ProcessLookup returns the executable path of a live process.
type ProcessLookup interface {
	Exe(ctx context.Context, pid int32) (string, error)
}

// Options configures a Resolver.
type Options struct {
	// CaseInsensitive folds canonical paths to lower case. Always on for Windows.
	CaseInsensitive bool
	// Hashing computes a content hash for every resolved identity.
	Hashing bool
	// Processes defaults to the gopsutil-backed lookup.
	Processes ProcessLookup
	// OnFirstSeen runs once per canonical path, outside the resolver lock.
	OnFirstSeen func(Identity)
	Logger      *logging.Logger
}

type hashEntry struct {
	size    int64
	modTime time.Time
	sum     string
}

// Resolver turns paths and PIDs into identities. Safe for concurrent use.
type Resolver struct {
	caseFold    bool
	hashing     bool
	procs       ProcessLookup
	onFirstSeen func(Identity)
	logger      *logging.Logger

	mu     sync.RWMutex
	known  map[string]Identity
	hashes map[string]hashEntry
}

// NewResolver creates a resolver.
func NewResolver(opts Options) *Resolver {
	procs := opts.Processes
	if procs == nil {
		procs = SystemProcesses{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		caseFold:    opts.CaseInsensitive || caseInsensitiveFS,
		hashing:     opts.Hashing,
		procs:       procs,
		onFirstSeen: opts.OnFirstSeen,
		logger:      logger.WithComponent("identity"),
		known:       make(map[string]Identity),
		hashes:      make(map[string]hashEntry),
	}
}

// Lexical normalizes path without touching the filesystem: absolute, cleaned,
// case-folded where applicable. Used to address rules for binaries that no
// longer exist.
func (r *Resolver) Lexical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)
	if r.caseFold {
		path = strings.ToLower(path)
	}
	return path
}

// Canonicalize resolves symlinks and normalizes path.
func (r *Resolver) Canonicalize(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", awerrors.New(awerrors.KindValidation, "empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", awerrors.Wrapf(err, awerrors.KindNotFound, "cannot resolve %s", path)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", awerrors.Attr(awerrors.Wrapf(err, awerrors.KindNotFound, "path %s is not accessible", abs), "path", abs)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", awerrors.Wrapf(err, awerrors.KindNotFound, "path %s is not accessible", real)
	}
	if info.IsDir() {
		return "", awerrors.Errorf(awerrors.KindValidation, "%s is a directory, not an executable", real)
	}
	real = filepath.Clean(real)
	if r.caseFold {
		real = strings.ToLower(real)
	}
	return real, nil
}

// ResolvePath returns the identity for a filesystem path.
// Fails with KindNotFound when the path is missing or inaccessible.
func (r *Resolver) ResolvePath(path string) (Identity, error) {
	canonical, err := r.Canonicalize(path)
	if err != nil {
		return Identity{}, err
	}
	return r.remember(canonical)
}

// ResolvePID returns the identity of a running process.
// Fails with KindNotFound when the process has exited or its executable is unreadable.
func (r *Resolver) ResolvePID(ctx context.Context, pid int32) (Identity, error) {
	exe, err := r.procs.Exe(ctx, pid)
	if err != nil {
		return Identity{}, awerrors.Attr(awerrors.Wrapf(err, awerrors.KindNotFound, "process %d not resolvable", pid), "pid", pid)
	}
	if exe == "" {
		return Identity{}, awerrors.Errorf(awerrors.KindNotFound, "process %d has no executable", pid)
	}
	// Linux reports replaced binaries as "/path (deleted)".
	exe = strings.TrimSuffix(exe, " (deleted)")
	return r.ResolvePath(exe)
}

// Lookup returns a previously resolved identity without touching the filesystem.
func (r *Resolver) Lookup(canonical string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.known[canonical]
	return id, ok
}

// Verify reports whether the binary at id.Path still hashes to pinned.
func (r *Resolver) Verify(id Identity, pinned string) (bool, error) {
	if pinned == "" {
		return true, nil
	}
	sum, err := r.hashFile(id.Path)
	if err != nil {
		return false, err
	}
	return sum == pinned, nil
}

func (r *Resolver) remember(canonical string) (Identity, error) {
	id := newIdentity(canonical)
	if r.hashing {
		sum, err := r.hashFile(canonical)
		if err != nil {
			// Hash is optional; the identity is still usable.
			r.logger.Warn("Failed to hash binary", "path", canonical, "error", err)
		}
		id.Hash = sum
	}

	r.mu.Lock()
	_, seen := r.known[canonical]
	r.known[canonical] = id
	r.mu.Unlock()

	if !seen && r.onFirstSeen != nil {
		r.onFirstSeen(id)
	}
	return id, nil
}

// hashFile computes BLAKE2b-256, reusing the cached sum while size and mtime match.
func (r *Resolver) hashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", awerrors.Wrapf(err, awerrors.KindNotFound, "hash %s", path)
		}
		return "", err
	}

	r.mu.RLock()
	cached, ok := r.hashes[path]
	r.mu.RUnlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.sum, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(h.Sum(nil))

	r.mu.Lock()
	r.hashes[path] = hashEntry{size: info.Size(), modTime: info.ModTime(), sum: sum}
	r.mu.Unlock()
	return sum, nil
}
