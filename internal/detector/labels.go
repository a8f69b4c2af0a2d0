package detector

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// UnknownCaller is the label used when no probe yields a valid caller name
const UnknownCaller = "Unknown"

// boilerplateLabels are UI phrases that look like caller names but are
// generic chrome of the host client (both Russian and English variants)
var boilerplateLabels = []string{
	"звонок",
	"call",
	"вызов",
	"групповой",
	"group",
	"unknown",
	"неизвестно",
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidCallerLabel reports whether a probe result looks like an actual
// caller name: not an email address, not suspiciously short or long,
// and not a known boilerplate phrase.
func ValidCallerLabel(label string) bool {
	label = strings.TrimSpace(label)

	n := utf8.RuneCountInString(label)
	if n < 2 || n > 100 {
		return false
	}
	if emailPattern.MatchString(label) {
		return false
	}

	lower := strings.ToLower(label)
	for _, phrase := range boilerplateLabels {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}

// ResolveCallerLabel walks the ranked candidate list and returns the
// first valid label, or UnknownCaller when none passes validation
func ResolveCallerLabel(candidates []string) string {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if ValidCallerLabel(c) {
			return c
		}
	}
	return UnknownCaller
}
