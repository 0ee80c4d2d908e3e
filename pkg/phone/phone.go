// Package phone holds the number-normalization helpers shared by stores,
// consumers and the gateway client.
package phone

import "strings"

// SanitizePhone strips everything but digits.
func SanitizePhone(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeE164 reduces a phone number to digits, prepends the US country
// code for bare 10-digit numbers, and prefixes +. Idempotent.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := SanitizePhone(value)
	if digits == "" {
		return ""
	}
	if len(digits) == 10 {
		digits = "1" + digits
	}
	return "+" + digits
}
