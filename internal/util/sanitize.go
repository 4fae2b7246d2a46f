package util

import (
	"regexp"
	"strings"
)

// maxLogValue caps how much of a request host or path ends up in a log line.
const maxLogValue = 256

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// SanitizeForLog removes control characters and newlines from user content
// before logging and truncates long values.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = controlChars.ReplaceAllString(s, " ")
	if len(s) > maxLogValue {
		s = s[:maxLogValue] + "..."
	}
	return s
}
