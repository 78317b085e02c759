package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"chain":     {},
	"tx_hash":   {},
	"cycle_id":  {},
}

func allowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField builds a log attribute for a user-linked value such as an identity
// or wallet address. Values are replaced with RedactedValue unless the key is
// allowlisted or the value is blank.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || allowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
