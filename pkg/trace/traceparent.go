package trace

import (
	"fmt"
	"strings"
)

// Traceparent formats the W3C trace-context header for a span, always
// with the sampled flag set.
func Traceparent(s *Span) string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-01", s.TraceID, s.SpanID)
}

// ParseTraceparent extracts trace and span ids from a W3C traceparent
// header. Only version 00 is accepted.
func ParseTraceparent(header string) (traceID, spanID string, ok bool) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 4 || parts[0] != "00" {
		return "", "", false
	}
	traceID, spanID = strings.ToLower(parts[1]), strings.ToLower(parts[2])
	if len(traceID) != 32 || len(spanID) != 16 {
		return "", "", false
	}
	if !isHex(traceID) || !isHex(spanID) {
		return "", "", false
	}
	if traceID == strings.Repeat("0", 32) || spanID == strings.Repeat("0", 16) {
		return "", "", false
	}
	return traceID, spanID, true
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
