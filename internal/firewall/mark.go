package firewall

import "hash/fnv"

const (
	// UnattributedMark tags flows whose owner could not be determined so they
	// are queued only once.
	UnattributedMark uint32 = 0x00000001

	appMarkBit uint32 = 1 << 31
)

// MarkFor returns the packet mark carried by traffic of the executable at path.
// The high bit is always set, so an application mark is never zero and never
// collides with UnattributedMark.
func MarkFor(path string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(path))
	return h.Sum32() | appMarkBit
}

// IsAppMark reports whether mark was produced by MarkFor.
func IsAppMark(mark uint32) bool {
	return mark&appMarkBit != 0
}
