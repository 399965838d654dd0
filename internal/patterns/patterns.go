// Package patterns generates candidate mailbox addresses from a person's name
// and an organization domain.
package patterns

import (
	"strings"
	"unicode"
)

// Candidate is one generated address with the prior probability that its
// naming convention is the organization's real scheme.
type Candidate struct {
	Pattern    string  `json:"pattern"`
	Email      string  `json:"email"`
	Confidence float64 `json:"confidence"`
}

type convention struct {
	id         string
	confidence float64
	needsLast  bool
	local      func(first, last string) string
}

func initial(s string) string {
	if s == "" {
		return ""
	}
	return s[:1]
}

// Weights follow observed corporate address frequency: first.last and flast
// dominate, bare first names are common at small companies.
var conventions = []convention{
	{"first.last", 0.90, true, func(f, l string) string { return f + "." + l }},
	{"flast", 0.80, true, func(f, l string) string { return initial(f) + l }},
	{"first", 0.70, false, func(f, _ string) string { return f }},
	{"firstlast", 0.60, true, func(f, l string) string { return f + l }},
	{"f.last", 0.55, true, func(f, l string) string { return initial(f) + "." + l }},
	{"first_last", 0.45, true, func(f, l string) string { return f + "_" + l }},
	{"firstl", 0.40, true, func(f, l string) string { return f + initial(l) }},
	{"first-last", 0.35, true, func(f, l string) string { return f + "-" + l }},
	{"first.l", 0.30, true, func(f, l string) string { return f + "." + initial(l) }},
	{"last.first", 0.25, true, func(f, l string) string { return l + "." + f }},
	{"lfirst", 0.20, true, func(f, l string) string { return initial(l) + f }},
	{"last", 0.15, true, func(_, l string) string { return l }},
}

// Generate returns the ordered candidate list for the given name and domain.
// It returns nil when the sanitized first name or the domain is empty. A
// missing last name yields only single-token patterns.
func Generate(firstName, lastName, domain string) []Candidate {
	first := Sanitize(firstName)
	last := Sanitize(lastName)
	domain = strings.ToLower(strings.TrimSpace(domain))
	if first == "" || domain == "" {
		return nil
	}

	seen := make(map[string]bool, len(conventions))
	out := make([]Candidate, 0, len(conventions))
	for _, c := range conventions {
		if c.needsLast && last == "" {
			continue
		}
		email := c.local(first, last) + "@" + domain
		if seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, Candidate{Pattern: c.id, Email: email, Confidence: c.confidence})
	}
	return out
}

// Confidence returns the static weight for a pattern id, or 0 if unknown.
func Confidence(pattern string) float64 {
	for _, c := range conventions {
		if c.id == pattern {
			return c.confidence
		}
	}
	return 0
}

// IDs returns all pattern ids in generation order.
func IDs() []string {
	ids := make([]string, len(conventions))
	for i, c := range conventions {
		ids[i] = c.id
	}
	return ids
}

// Sanitize lowercases s and drops everything outside [a-z0-9].
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r > unicode.MaxASCII {
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
