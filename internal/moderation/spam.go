package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Contact-detail detectors. Compiled once and shared by every Filter.
var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains with a
	// path. The bare-domain variant requires a trailing "/" so version strings
	// like "v2.0" or decimals like "3.14" stay clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|me|gg)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567, 555.123.4567 and
	// +15551234567. Ten digits in 3-3-4 groups with separators; the match must
	// start at whitespace so runs of small numbers and decimals pass.
	phonePattern = regexp.MustCompile(`(?:^|[\s:])(?:\+\d{1,3}[-.\s]?)?(?:\(\d{3}\)\s?|\d{3}[-.\s])\d{3}[-.\s]\d{4}(?:$|[\s,!?)]|\.(?:\s|$))|(?:^|\s)\+\d{10,14}(?:$|[\s.,!?])`)

	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)

	// handlePattern matches "add me on snap: foo99", "my insta is @foo" and
	// similar. A bare platform name is fine; it needs an @handle, or after
	// "name:" a token with a digit or underscore, so "ig: the best" passes.
	handlePattern = regexp.MustCompile(`(?i)\b(?:snap(?:chat)?|insta(?:gram)?|ig|discord|telegram|whatsapp|kik|tiktok)\b(?:\s*(?:is|at|:)?\s*@[a-z0-9._]{3,}|\s*:\s*[a-z0-9.]*[0-9_][a-z0-9._]*)`)
)

// namedPattern pairs a compiled detector with the term reported on a hit.
type namedPattern struct {
	name string
	re   *regexp.Regexp
}

// contactPatterns is the built-in severe detector list. Order matters: the
// first hit is the one reported.
var contactPatterns = []namedPattern{
	{name: "email address", re: emailPattern},
	{name: "url", re: urlPattern},
	{name: "phone number", re: phonePattern},
	{name: "social handle", re: handlePattern},
}

// floodCheck flags low-severity noise that has nothing to mask.
type floodCheck struct {
	name  string
	match func(string) bool
}

var floodChecks = []floodCheck{
	{name: "character flooding", match: hasCharFlood},
	{name: "word flooding", match: hasWordFlood},
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. RE2 has no backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 3 or more times in a
// row, case-insensitive.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
