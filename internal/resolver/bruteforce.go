package resolver

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
)

// bruteForceTLDs are tried in order; the earliest one with MX records wins.
var bruteForceTLDs = []string{".com", ".org", ".net", ".io", ".app", ".co", ".xyz", ".dev", ".ai"}

const defaultBruteForceConcurrency = 50

// BruteForce guesses a domain by appending common TLDs to the company name
// and keeping the first one that publishes MX records.
type BruteForce struct {
	DNS         MXResolver
	Concurrency int
}

func (b *BruteForce) Name() string { return "bruteforce" }

func (b *BruteForce) Lookup(ctx context.Context, _, company string) (string, bool) {
	base := BaseToken(company)
	if base == "" || b.DNS == nil {
		return "", false
	}

	limit := b.Concurrency
	if limit <= 0 {
		limit = defaultBruteForceConcurrency
	}

	hits := make([]bool, len(bruteForceTLDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, tld := range bruteForceTLDs {
		candidate := base + tld
		g.Go(func() error {
			mx, err := b.DNS.LookupMX(gctx, candidate)
			if err == nil && len(mx) > 0 {
				hits[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, ok := range hits {
		if ok {
			return base + bruteForceTLDs[i], true
		}
	}
	return "", false
}

// BaseToken lowercases the company name and keeps only ASCII letters and digits.
func BaseToken(company string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(company) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
