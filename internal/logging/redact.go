package logging

import (
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

// Keys whose values never belong in logs: run payloads can carry user
// metadata and decision reasoning, and the DSN carries credentials.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"dsn":           {},
	"input_params":  {},
	"metadata":      {},
	"output_result": {},
	"payload":       {},
	"reasoning":     {},
}

var sensitiveFragments = []string{
	"secret",
	"token",
	"password",
	"apikey",
	"api_key",
	"authorization",
}

// redactAttr is a slog ReplaceAttr hook. The handler invokes it per leaf
// attribute, group members included, so nesting needs no special handling.
func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if shouldRedactKey(a.Key) {
		a.Value = slog.StringValue(redactedValue)
	}
	return a
}

func shouldRedactKey(key string) bool {
	if key == "" {
		return false
	}
	lower := strings.ToLower(key)
	if _, ok := sensitiveKeys[lower]; ok {
		return true
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
