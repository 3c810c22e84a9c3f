//go:build windows

package brand

import (
	"os"
	"path/filepath"
)

// programData falls back to the stock location when the variable is unset,
// which happens for some service accounts.
func programData() string {
	if dir := os.Getenv("ProgramData"); dir != "" {
		return dir
	}
	return `C:\ProgramData`
}

func defaultConfigDir() string { return filepath.Join(programData(), "AppWall") }

func defaultStateDir() string { return filepath.Join(programData(), "AppWall", "state") }
