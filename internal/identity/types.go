// Package identity maps processes and binaries to stable application identities.
//
// The canonical executable path is the key: symlinks are resolved and, where
// the filesystem is case-insensitive, the path is case-folded, so every
// invocation route to the same binary lands on one identity.
package identity

import "path/filepath"

// Identity is one controllable application.
type Identity struct {
	// Path is the canonical executable path and the rule key.
	Path string `json:"path"`
	// Hash is the hex BLAKE2b-256 of the binary, empty when hashing is off.
	Hash string `json:"hash,omitempty"`
	// Name is a display name derived from the path.
	Name string `json:"name"`
}

// Unknown is reported for connections whose owner could not be attributed.
var Unknown = Identity{Name: "unknown"}

// IsUnknown reports whether the identity has no canonical path.
func (i Identity) IsUnknown() bool {
	return i.Path == ""
}

func (i Identity) String() string {
	if i.IsUnknown() {
		return i.Name
	}
	return i.Path
}

func newIdentity(path string) Identity {
	return Identity{Path: path, Name: filepath.Base(path)}
}
