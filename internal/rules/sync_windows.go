//go:build windows

package rules

// Directory handles cannot be fsynced on Windows; MoveFileEx is durable enough.
func syncDir(string) {}
