package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// plainKeys are emitted verbatim by MaskField. Everything else is masked.
var plainKeys = map[string]bool{
	"component": true,
	"env":       true,
	"error":     true,
	"plan_id":   true,
	"reason":    true,
	"route":     true,
	"service":   true,
	"state":     true,
	"status":    true,
	"token":     true,
	"vault":     true,
}

// MaskField returns key=value when key is known to be safe and key=[REDACTED]
// otherwise. Empty values pass through so absent settings stay visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || plainKeys[strings.ToLower(strings.TrimSpace(key))] {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Operator keeps the first four characters of an operator identity so log
// lines can be correlated without exposing the full id.
func Operator(actor string) slog.Attr {
	trimmed := strings.TrimSpace(actor)
	switch {
	case trimmed == "":
		return slog.String("operator", "")
	case len(trimmed) <= 4:
		return slog.String("operator", RedactedValue)
	default:
		return slog.String("operator", trimmed[:4]+"…")
	}
}
