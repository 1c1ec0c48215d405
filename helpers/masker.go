package helpers

import "strings"

// MaskCredential redacts a credential for logging. Short values are fully
// masked; longer values keep the first four characters so operators can
// tell keys apart without exposing them.
func MaskCredential(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 4)
}
