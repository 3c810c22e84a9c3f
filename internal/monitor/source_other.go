//go:build !linux

package monitor

// DefaultSource returns the gopsutil source.
func DefaultSource() (Source, error) {
	return GopsutilSource{}, nil
}
