//go:build !linux && !windows

package firewall

import (
	"os"

	awerrors "grimm.is/appwall/internal/errors"
)

func CheckPrivileges() error {
	if os.Geteuid() == 0 {
		return nil
	}
	return awerrors.New(awerrors.KindPermission, "enforcement requires root")
}
