//go:build windows

package firewall

import (
	"golang.org/x/sys/windows"

	awerrors "grimm.is/appwall/internal/errors"
)

// CheckPrivileges fails with KindPermission unless the process token is elevated.
func CheckPrivileges() error {
	if windows.GetCurrentProcessToken().IsElevated() {
		return nil
	}
	return awerrors.New(awerrors.KindPermission, "windows firewall changes require an elevated (administrator) process")
}
