//go:build !linux && !windows

package firewall

import (
	"runtime"

	"grimm.is/appwall/internal/config"
	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
)

func newPlatform(*config.Config, *logging.Logger) (Backend, error) {
	return nil, awerrors.Errorf(awerrors.KindUnavailable, "no enforcement backend for %s; use -dry-run", runtime.GOOS)
}
