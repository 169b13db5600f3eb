package pipeline

import "regexp"

// correctionPatterns are case-insensitive regular expressions; a text
// block matches a correction cycle if any pattern matches any part of
// it. Order does not matter — detection only needs "any pattern
// matches".
var correctionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)correction\s+cycle`),
	regexp.MustCompile(`(?i)re-?runn?ing\s+(the\s+)?failing`),
	regexp.MustCompile(`(?i)applying\s+(the\s+)?fix`),
	regexp.MustCompile(`(?i)fix(ing|ed)\s+.*\bre-?run`),
	regexp.MustCompile(`(?i)agents?\s+(that\s+)?failed.*re-?run`),
	regexp.MustCompile(`(?i)\bcorrection\s+(round|attempt|pass)\b`),
}

// matchesCorrectionPattern reports whether text matches any correction
// pattern.
func matchesCorrectionPattern(text string) bool {
	for _, p := range correctionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
