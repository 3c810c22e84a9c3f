//go:build windows

package identity

const caseInsensitiveFS = true
