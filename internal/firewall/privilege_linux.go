//go:build linux

package firewall

import (
	"golang.org/x/sys/unix"

	awerrors "grimm.is/appwall/internal/errors"
)

// CheckPrivileges fails with KindPermission unless the process is root or
// holds CAP_NET_ADMIN.
func CheckPrivileges() error {
	if unix.Geteuid() == 0 {
		return nil
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err == nil {
		if data[0].Effective&(1<<unix.CAP_NET_ADMIN) != 0 {
			return nil
		}
	}
	return awerrors.New(awerrors.KindPermission, "nftables enforcement requires root or CAP_NET_ADMIN")
}
