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
	"code":      {},
	"status":    {},
	"asset":     {},
	"kiosk_id":  {},
	"scope":     {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskAddress keeps the first and last four characters of a wallet address so
// operators can correlate log lines without exposing the full destination.
func MaskAddress(key, address string) slog.Attr {
	trimmed := strings.TrimSpace(address)
	if len(trimmed) <= 12 {
		return MaskField(key, trimmed)
	}
	return slog.String(key, trimmed[:4]+"…"+trimmed[len(trimmed)-4:])
}
