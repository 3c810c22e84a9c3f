// Package brand provides centralized naming and filesystem locations for appwall.
//
// The identity is loaded from brand.json at compile time via go:embed. Default
// directories are platform specific (see paths_*.go) and can be overridden
// through APPWALL_* environment variables.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information.
type Brand struct {
	Name                  string `json:"name"`
	LowerName             string `json:"lowerName"`
	Vendor                string `json:"vendor"`
	Description           string `json:"description"`
	ConfigEnvPrefix       string `json:"configEnvPrefix"`
	BinaryName            string `json:"binaryName"`
	ConfigFileName        string `json:"configFileName"`
	RulesFileName         string `json:"rulesFileName"`
	JournalFileName       string `json:"journalFileName"`
	LegacyBlockedFileName string `json:"legacyBlockedFileName"`
	License               string `json:"license"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
	RulesFileName = b.RulesFileName
	JournalFileName = b.JournalFileName
	LegacyBlockedFileName = b.LegacyBlockedFileName
}

var (
	Name                  string
	LowerName             string
	Description           string
	ConfigEnvPrefix       string
	BinaryName            string
	ConfigFileName        string
	RulesFileName         string
	JournalFileName       string
	LegacyBlockedFileName string

	// Version is set at build time via -ldflags
	Version   = "dev"
	GitCommit = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: APPWALL_CONFIG_DIR > APPWALL_PREFIX/config > platform default
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return defaultConfigDir()
}

// GetStateDir returns the state directory, checking env vars first.
// Priority: APPWALL_STATE_DIR > APPWALL_PREFIX/state > platform default
func GetStateDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "state")
	}
	return defaultStateDir()
}

// DefaultConfigPath returns the full path of the main configuration file.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}
