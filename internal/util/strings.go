// Package util provides common utility functions used across the
// oauth2-server library.
package util

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Returns the original string if it's shorter than maxLen. Used
// when logging prefixes of sensitive values like tokens and codes, where the
// full value must never reach the logs.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
