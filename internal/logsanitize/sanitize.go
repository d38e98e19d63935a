// Package logsanitize provides helpers for sanitizing untrusted values before logging.
package logsanitize

import "strings"

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117).
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// MaskPhone keeps the country prefix and the last four digits of a phone
// number and masks the rest, e.g. "+15551234567" -> "+1555***4567".
// Inputs too short to mask meaningfully are fully masked.
func MaskPhone(phone string) string {
	phone = Sanitize(strings.TrimSpace(phone))
	if phone == "" {
		return ""
	}
	runes := []rune(phone)
	if len(runes) < 9 {
		return "***"
	}
	return string(runes[:5]) + "***" + string(runes[len(runes)-4:])
}
