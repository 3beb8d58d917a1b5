package log

import (
	"strings"
)

var sensitiveKeywords = []string{
	"password", "passwd",
	"api_key", "apikey", "api-key",
	"token", "secret", "authorization",
	"credential", "private_key", "dsn",
}

// secretPrefixes identify credential values regardless of the field name.
var secretPrefixes = []string{"sk-or-", "sk-", "Bearer "}

// SanitizeField masks the value when the key names a credential or the
// value itself looks like one.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return sanitizeToken(value)
		}
	}

	if looksLikeSecret(value) {
		return sanitizeToken(value)
	}

	return value
}

func looksLikeSecret(value string) bool {
	// Free text that merely mentions a prefix is left alone.
	if strings.ContainsAny(strings.TrimPrefix(value, "Bearer "), " \n\t") {
		return false
	}
	for _, p := range secretPrefixes {
		if strings.HasPrefix(value, p) && len(value) > len(p)+8 {
			return true
		}
	}
	return false
}

// sanitizeToken masks values showing only the first 4 and last 4 characters.
func sanitizeToken(value string) string {
	if len(value) <= 8 {
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return string(value[0]) + strings.Repeat("*", len(value)-2) + string(value[len(value)-1])
	}

	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
