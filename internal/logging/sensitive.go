package logging

import "strings"

// MaskedValue replaces sensitive values in log output.
const MaskedValue = "[REDACTED]"

// sensitiveKeys are attribute names whose values never reach logs.
// Matching is case-insensitive and includes substring hits, so
// "redis_password" and "jwt_secret" are caught too.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
	"bearer":        true,
	"jwt":           true,
	"credentials":   true,
	"cookie":        true,
	"session_id":    true,
	"webhook_url":   true,
}

// IsSensitiveKey reports whether a log attribute key carries a value
// that must be redacted.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if sensitiveKeys[lower] {
		return true
	}
	for k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// MaskValue redacts value when its key is sensitive.
func MaskValue(key, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveKey(key) {
		return MaskedValue
	}
	return value
}

// MaskTail shows only the first showFirst characters of a secret,
// for debug output where a hint of the value helps.
func MaskTail(s string, showFirst int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***"
}
