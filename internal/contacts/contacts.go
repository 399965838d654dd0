// Package contacts defines the contact record and reads and writes the CSV
// files that carry contacts in and out of a job.
package contacts

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kalambet/mailscout/internal/domainmeta"
)

// Contact statuses.
const (
	StatusVerified        = "verified"
	StatusGuessed         = "guessed"
	StatusNoDomain        = "no_domain"
	StatusNoCandidates    = "no_candidates"
	StatusAlreadyVerified = "already_verified"
)

// Contact is one person being enriched.
type Contact struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Company     string `json:"company"`
	Position    string `json:"position,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
	ConnectedOn string `json:"connected_on,omitempty"`
	RawEmail    string `json:"raw_email,omitempty"`

	Domain        string           `json:"domain,omitempty"`
	DomainMeta    *domainmeta.Meta `json:"domain_meta,omitempty"`
	GuessedEmails []GuessedEmail   `json:"guessed_emails,omitempty"`
	BestEmail     string           `json:"best_email,omitempty"`
	Confidence    float64          `json:"confidence"`
	VerifiedEmail string           `json:"verified_email,omitempty"`
	Status        string           `json:"status"`
}

// GuessedEmail is a candidate address with its verification outcome.
type GuessedEmail struct {
	Pattern    string  `json:"pattern"`
	Email      string  `json:"email"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
	Verified   bool    `json:"verified"`
}

var credentialRe = regexp.MustCompile(`(?i)\b(mba|phd|dr)\b\.?`)

// CleanName strips quotes, brackets, commas, periods, emoji and academic or
// professional credentials, collapses whitespace and lowercases.
func CleanName(s string) string {
	s = credentialRe.ReplaceAllString(s, " ")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '"' || r == '(' || r == ')' || r == ',' || r == '.':
			return -1
		case r == '\u200d' || unicode.Is(unicode.Variation_Selector, r):
			return -1
		case unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r) || unicode.Is(unicode.Cs, r):
			return -1
		}
		return r
	}, s)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// NormalizeNames cleans both names. A full name packed into the first-name
// field is split on its first space when the last name is empty.
func NormalizeNames(first, last string) (string, string) {
	first, last = CleanName(first), CleanName(last)
	if last == "" {
		if f, rest, ok := strings.Cut(first, " "); ok {
			first, last = f, rest
		}
	}
	return first, last
}

// Valid reports whether the contact has both names after normalization.
func (c Contact) Valid() bool {
	return c.FirstName != "" && c.LastName != ""
}
