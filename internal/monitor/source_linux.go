//go:build linux

package monitor

import (
	"context"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/sockets"
)

// ProcSource reads /proc/net socket tables and maps inodes to PIDs via
// /proc/*/fd, without spawning any tool.
type ProcSource struct {
	Reader *sockets.Reader
}

// DefaultSource returns the procfs source.
func DefaultSource() (Source, error) {
	r, err := sockets.NewReader("")
	if err != nil {
		return nil, awerrors.Wrap(err, awerrors.KindUnavailable, "open procfs")
	}
	return &ProcSource{Reader: r}, nil
}

func (p *ProcSource) Connections(ctx context.Context) ([]RawConn, error) {
	table, err := p.Reader.Table()
	if err != nil {
		return nil, awerrors.Wrap(err, awerrors.KindUnavailable, "read socket tables")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	owners, err := p.Reader.Owners()
	if err != nil {
		// Attribution is best effort; the table itself is still valid.
		owners = nil
	}
	out := make([]RawConn, 0, len(table))
	for _, s := range table {
		out = append(out, RawConn{
			Protocol: s.Proto,
			Local:    s.Local,
			Remote:   s.Remote,
			State:    s.State,
			PID:      owners[s.Inode],
		})
	}
	return out, nil
}
