package middleware

import "strings"

// MaskEmail маскирует email в логах: "alice@example.com" → "a***@example.com".
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	local, domain, ok := strings.Cut(s, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}

// MaskCredential маскирует значение Authorization в логах (схема остаётся видна).
func MaskCredential(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	scheme, _, _ := strings.Cut(s, " ")
	return scheme + " ***"
}
