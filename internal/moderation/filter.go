// Package moderation screens chat messages. The Filter runs synchronously on
// the send path against the local policy; the Adapter re-checks accepted
// messages against an external classifier out of band.
package moderation

import (
	"fmt"
	"regexp"
	"strings"
)

// Mask replaces every banned occurrence in SanitizedText.
const Mask = "***"

// leetMap folds common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

var tokenPattern = regexp.MustCompile(`\S+`)

// Filter evaluates messages against a compiled Policy. It holds no mutable
// state and is safe for concurrent use.
type Filter struct {
	banned []namedPattern
	severe []namedPattern
	words  map[string]string // single-word banned terms, for leetspeak folding
	flood  bool
}

// NewFilter compiles a policy into a Filter.
func NewFilter(p Policy) (*Filter, error) {
	f := &Filter{
		words: make(map[string]string),
		flood: p.FloodDetection,
	}

	for _, raw := range p.BannedTerms {
		term := strings.ToLower(strings.TrimSpace(raw))
		if term == "" {
			continue
		}
		re, err := termPattern(term)
		if err != nil {
			return nil, err
		}
		f.banned = append(f.banned, namedPattern{name: term, re: re})
		if !strings.ContainsAny(term, " \t") {
			f.words[term] = term
		}
	}

	for _, raw := range p.SevereTerms {
		term := strings.ToLower(strings.TrimSpace(raw))
		if term == "" {
			continue
		}
		re, err := termPattern(term)
		if err != nil {
			return nil, err
		}
		f.severe = append(f.severe, namedPattern{name: term, re: re})
	}
	if p.ContactDetection {
		f.severe = append(f.severe, contactPatterns...)
	}

	return f, nil
}

// NewDefaultFilter returns a Filter for DefaultPolicy.
func NewDefaultFilter() *Filter {
	f, err := NewFilter(DefaultPolicy())
	if err != nil {
		panic(err) // default terms are literal and always compile
	}
	return f
}

// termPattern builds a case-insensitive, word-bounded matcher. Inner
// whitespace in phrases matches any run of whitespace.
func termPattern(term string) (*regexp.Regexp, error) {
	parts := strings.Fields(term)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile(`(?i)\b` + strings.Join(parts, `\s+`) + `\b`)
	if err != nil {
		return nil, fmt.Errorf("moderation: compile term %q: %w", term, err)
	}
	return re, nil
}

// Evaluate runs the policy over text. It never performs I/O.
//
// Empty or whitespace-only text is rejected without a violation. Every
// banned occurrence is masked in SanitizedText; the reported violation is the
// first banned term in policy order. A severe hit overrides a banned one.
func (f *Filter) Evaluate(text string) Evaluation {
	if strings.TrimSpace(text) == "" {
		return Evaluation{SanitizedText: text}
	}

	sanitized := text
	var violation *Violation

	for _, t := range f.banned {
		if !t.re.MatchString(sanitized) {
			continue
		}
		if violation == nil {
			violation = &Violation{Term: t.name, Severity: SeverityLow}
		}
		sanitized = t.re.ReplaceAllLiteralString(sanitized, Mask)
	}

	if term, masked, ok := f.foldLeet(sanitized); ok {
		if violation == nil {
			violation = &Violation{Term: term, Severity: SeverityLow}
		}
		sanitized = masked
	}

	for _, t := range f.severe {
		if t.re.MatchString(text) {
			return Evaluation{
				SanitizedText: t.re.ReplaceAllLiteralString(sanitized, Mask),
				Violation:     &Violation{Term: t.name, Severity: SeverityHigh},
			}
		}
	}

	if violation == nil && f.flood {
		for _, fc := range floodChecks {
			if fc.match(text) {
				violation = &Violation{Term: fc.name, Severity: SeverityLow}
				break
			}
		}
	}

	if violation != nil {
		return Evaluation{SanitizedText: sanitized, Violation: violation}
	}
	return Evaluation{Accepted: true, SanitizedText: text}
}

// foldLeet masks whitespace-delimited tokens that spell a single-word banned
// term once substitutions like "0" -> "o" are undone. It returns the first
// term found, the masked text and whether anything matched.
func (f *Filter) foldLeet(text string) (string, string, bool) {
	if len(f.words) == 0 {
		return "", text, false
	}

	first := ""
	var b strings.Builder
	last := 0
	for _, loc := range tokenPattern.FindAllStringIndex(text, -1) {
		tok := text[loc[0]:loc[1]]
		if !strings.ContainsAny(tok, "013457@$!") {
			continue
		}
		term, ok := f.leetTerm(tok)
		if !ok {
			continue
		}
		if first == "" {
			first = term
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString(Mask)
		last = loc[1]
	}
	if first == "" {
		return "", text, false
	}
	b.WriteString(text[last:])
	return first, b.String(), true
}

func (f *Filter) leetTerm(tok string) (string, bool) {
	trimmed := strings.Trim(tok, `.,;:?"'()[]`)
	for _, cand := range []string{trimmed, strings.TrimRight(trimmed, "!")} {
		if term, ok := f.words[normalizeLeet(cand)]; ok {
			return term, true
		}
	}
	return "", false
}

// normalizeLeet lowercases s and folds leetspeak substitutions.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if m, ok := leetMap[r]; ok {
			r = m
		}
		b.WriteRune(r)
	}
	return b.String()
}
