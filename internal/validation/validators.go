// Package validation checks configuration values that end up in backend
// commands and object names.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Characters that must never reach a netsh argument or an nft object name
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}
)

// maxIdentifier is the nftables table name limit (NFT_TABLE_MAXNAMELEN - 1).
const maxIdentifier = 255

// ValidateIdentifier validates a table name or rule prefix.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if len(id) > maxIdentifier {
		return fmt.Errorf("identifier too long (max %d characters)", maxIdentifier)
	}

	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}

	return nil
}

// ValidateCommandArgument rejects values that would break out of a single
// quoted argument on a Windows command line.
func ValidateCommandArgument(arg string) error {
	if arg == "" {
		return fmt.Errorf("argument cannot be empty")
	}
	if strings.Contains(arg, "\x00") {
		return fmt.Errorf("null byte in argument")
	}
	if strings.ContainsAny(arg, "\"\n\r") {
		return fmt.Errorf("argument contains a quote or line break: %q", arg)
	}
	return nil
}

// ValidateListenAddress validates a host:port listen address. The host may be empty.
func ValidateListenAddress(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		return fmt.Errorf("invalid listen host: %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %s", portStr)
	}
	return ValidatePortNumber(port)
}

// ValidateAllowlist checks if a value is in an allowed list
func ValidateAllowlist(value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("value not in allowlist: %s", value)
}

// ValidatePortNumber validates a port number
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateRange checks that n lies within [lo, hi].
func ValidateRange(name string, n, lo, hi int) error {
	if n < lo || n > hi {
		return fmt.Errorf("%s out of range: %d (must be %d-%d)", name, n, lo, hi)
	}
	return nil
}

// SanitizeString removes dangerous characters from a string (for display purposes)
func SanitizeString(s string) string {
	for _, char := range dangerousChars {
		s = strings.ReplaceAll(s, char, "")
	}
	return s
}
