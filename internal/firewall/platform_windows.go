//go:build windows

package firewall

import (
	"grimm.is/appwall/internal/config"
	"grimm.is/appwall/internal/logging"
)

func newPlatform(cfg *config.Config, logger *logging.Logger) (Backend, error) {
	wc := cfg.Windows
	return NewNetshBackend(NetshOptions{
		RulePrefix: wc.RulePrefix,
		Inbound:    wc.Inbound == nil || *wc.Inbound,
		Logger:     logger,
	}), nil
}
