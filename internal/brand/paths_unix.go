//go:build !windows

package brand

func defaultConfigDir() string { return "/etc/appwall" }

func defaultStateDir() string { return "/var/lib/appwall" }
