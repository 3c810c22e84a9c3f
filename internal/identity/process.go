package identity

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// SystemProcesses looks processes up through gopsutil.
type SystemProcesses struct{}

// Exe returns the executable path of pid.
func (SystemProcesses) Exe(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.ExeWithContext(ctx)
}
