//go:build !windows

package identity

const caseInsensitiveFS = false
