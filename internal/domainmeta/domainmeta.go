// Package domainmeta scores how likely a domain is to be a real, mail-capable
// organization domain.
package domainmeta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/mailscout/internal/storage"
)

// Score weights.
const (
	weightMX      = 0.5
	weightWebsite = 0.4
	weightNotTypo = 0.1
)

const defaultHTTPTimeout = 3 * time.Second

var knownProviders = []string{
	"gmail.com", "yahoo.com", "hotmail.com", "outlook.com", "icloud.com",
	"googlemail.com", "aol.com", "protonmail.com", "zoho.com",
}

// Meta is the verdict for one domain.
type Meta struct {
	Domain          string    `json:"domain"`
	HasMX           bool      `json:"has_mx"`
	WebsiteLive     bool      `json:"website_live"`
	IsTypo          bool      `json:"is_typo"`
	ResponseTimeMs  *int64    `json:"response_time_ms"`
	ConfidenceScore float64   `json:"confidence_score"`
	Verified        bool      `json:"verified"`
	LastChecked     time.Time `json:"last_checked"`
}

// Store persists verdicts so each domain is checked once.
type Store interface {
	GetDomainMeta(domain string) (storage.DomainMeta, error)
	SaveDomainMeta(m storage.DomainMeta) error
}

// MXResolver performs MX lookups. *net.Resolver satisfies it.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Verifier computes and caches domain metadata.
type Verifier struct {
	store      Store
	dns        MXResolver
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient replaces the client used for the website probe. Redirects
// are never followed regardless of the client's policy.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) {
		clone := *c
		clone.CheckRedirect = noRedirects
		v.httpClient = &clone
	}
}

// WithDNS replaces the MX resolver.
func WithDNS(r MXResolver) Option {
	return func(v *Verifier) { v.dns = r }
}

func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// New creates a Verifier. store may be nil to disable persistence.
func New(store Store, httpTimeout time.Duration, opts ...Option) *Verifier {
	if httpTimeout <= 0 {
		httpTimeout = defaultHTTPTimeout
	}
	v := &Verifier{
		store: store,
		dns:   net.DefaultResolver,
		httpClient: &http.Client{
			Timeout:       httpTimeout,
			CheckRedirect: noRedirects,
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify returns the persisted verdict for domain if one exists, otherwise
// probes MX and the website, persists the result and returns it.
func (v *Verifier) Verify(ctx context.Context, domain string) (Meta, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return Meta{}, errors.New("empty domain")
	}

	if v.store != nil {
		rec, err := v.store.GetDomainMeta(domain)
		if err == nil {
			return fromRecord(rec), nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			v.logger.Warn("domainmeta: reading cached metadata", "domain", domain, "error", err)
		}
	}

	m := Meta{Domain: domain, IsTypo: IsTypo(domain)}

	if mx, err := v.dns.LookupMX(ctx, domain); err == nil && len(mx) > 0 {
		m.HasMX = true
	}

	if live, elapsed := v.probeWebsite(ctx, domain); live {
		m.WebsiteLive = true
		ms := elapsed.Milliseconds()
		m.ResponseTimeMs = &ms
	}

	if err := ctx.Err(); err != nil {
		return Meta{}, fmt.Errorf("verifying %s: %w", domain, err)
	}

	m.ConfidenceScore = Score(m.HasMX, m.WebsiteLive, m.IsTypo)
	m.Verified = m.HasMX || m.WebsiteLive
	m.LastChecked = time.Now().UTC()

	if v.store != nil {
		if err := v.store.SaveDomainMeta(toRecord(m)); err != nil {
			v.logger.Warn("domainmeta: persisting metadata", "domain", domain, "error", err)
		}
	}
	v.logger.Debug("domain metadata", "domain", domain, "mx", m.HasMX, "live", m.WebsiteLive, "score", m.ConfidenceScore)
	return m, nil
}

func (v *Verifier) probeWebsite(ctx context.Context, domain string) (bool, time.Duration) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+domain, nil)
	if err != nil {
		return false, 0
	}
	start := time.Now()
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, 0
	}
	elapsed := time.Since(start)
	resp.Body.Close()
	return resp.StatusCode < http.StatusBadRequest, elapsed
}

// Score combines the signals into a value in [0, 1] rounded to two decimals.
func Score(hasMX, websiteLive, isTypo bool) float64 {
	var s float64
	if hasMX {
		s += weightMX
	}
	if websiteLive {
		s += weightWebsite
	}
	if !isTypo {
		s += weightNotTypo
	}
	return math.Round(s*100) / 100
}

// IsTypo reports whether domain is within edit distance 2 of a major
// consumer mail provider. The providers themselves match with distance 0.
func IsTypo(domain string) bool {
	for _, p := range knownProviders {
		if Levenshtein(p, domain) <= 2 {
			return true
		}
	}
	return false
}

// Levenshtein returns the edit distance between a and b, counted in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func fromRecord(r storage.DomainMeta) Meta {
	return Meta{
		Domain:          r.Domain,
		HasMX:           r.HasMX,
		WebsiteLive:     r.WebsiteLive,
		IsTypo:          r.IsTypo,
		ResponseTimeMs:  r.ResponseTimeMs,
		ConfidenceScore: r.ConfidenceScore,
		Verified:        r.Verified,
		LastChecked:     r.LastChecked,
	}
}

func toRecord(m Meta) storage.DomainMeta {
	return storage.DomainMeta{
		Domain:          m.Domain,
		HasMX:           m.HasMX,
		WebsiteLive:     m.WebsiteLive,
		IsTypo:          m.IsTypo,
		ResponseTimeMs:  m.ResponseTimeMs,
		ConfidenceScore: m.ConfidenceScore,
		Verified:        m.Verified,
		Source:          "domainmeta",
		LastChecked:     m.LastChecked,
	}
}
