package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Field length caps keep hostile header or path values from blowing up
// log entries.
const (
	maxRouteLen    = 180
	maxMethodLen   = 10
	maxIdentityLen = 64
	maxAddrLen     = 64
)

// logSafe strips control characters and truncates to limit runes.
func logSafe(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(cleaned) <= limit {
		return cleaned
	}
	runes := []rune(cleaned)
	return string(runes[:limit])
}

func safeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return logSafe(route, maxRouteLen)
}

func safeMethod(method string) string {
	return logSafe(method, maxMethodLen)
}

func safeIdentity(id string) string {
	return logSafe(id, maxIdentityLen)
}
