// Package resolver maps company names to internet domains.
//
// Resolution walks an ordered list of strategies and stops at the first hit:
// session memory, the operator override table, the durable store, an external
// name lookup service and finally a brute-force MX guesser.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/idna"

	"github.com/kalambet/mailscout/internal/storage"
)

// ErrNoDomain is returned by Domain when no strategy produced a domain.
var ErrNoDomain = errors.New("no domain found")

// Strategy is one step of the resolution chain.
type Strategy interface {
	Name() string
	// Lookup returns the domain for the normalized company key.
	Lookup(ctx context.Context, key, company string) (string, bool)
}

// DomainStore is the durable company->domain cache.
type DomainStore interface {
	GetCompanyDomain(companyKey string) (string, error)
	SaveCompanyDomain(companyKey, domain, source string) error
}

// MXResolver performs MX lookups. *net.Resolver satisfies it.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Resolver resolves company names to domains.
type Resolver struct {
	memory     sync.Map // normalized key -> domain, "" for a miss
	store      DomainStore
	strategies []Strategy
	logger     *slog.Logger
}

// Options configures the optional strategies. Nil or empty fields skip the step.
type Options struct {
	Store     DomainStore
	Overrides map[string]string
	Lookup    *LookupClient
	DNS       MXResolver
	// BruteForceConcurrency bounds concurrent MX lookups (default 50).
	BruteForceConcurrency int
}

// New builds a Resolver with strategies in precedence order.
func New(opts Options) *Resolver {
	r := &Resolver{store: opts.Store, logger: slog.Default()}
	// Overrides are ground truth and must shadow stale durable entries.
	if len(opts.Overrides) > 0 {
		r.strategies = append(r.strategies, NewOverrides(opts.Overrides))
	}
	if opts.Store != nil {
		r.strategies = append(r.strategies, Durable(opts.Store))
	}
	if opts.Lookup != nil {
		r.strategies = append(r.strategies, opts.Lookup)
	}
	if opts.DNS != nil {
		r.strategies = append(r.strategies, &BruteForce{DNS: opts.DNS, Concurrency: opts.BruteForceConcurrency})
	}
	return r
}

// NewWithStrategies builds a Resolver from an explicit strategy list. Results
// from strategies other than "durable" are persisted to store when non-nil.
func NewWithStrategies(store DomainStore, strategies ...Strategy) *Resolver {
	return &Resolver{store: store, strategies: strategies, logger: slog.Default()}
}

// Resolve returns the domain for companyName, or "" when none is discoverable.
func (r *Resolver) Resolve(ctx context.Context, companyName string) string {
	if IsSelfEmployed(companyName) {
		return ""
	}
	key := NormalizeCompany(companyName)
	if key == "" {
		return ""
	}

	if v, ok := r.memory.Load(key); ok {
		return v.(string)
	}

	for _, s := range r.strategies {
		if ctx.Err() != nil {
			return ""
		}
		domain, ok := s.Lookup(ctx, key, companyName)
		if !ok {
			continue
		}
		domain = NormalizeDomain(domain)
		if domain == "" {
			continue
		}
		r.memory.Store(key, domain)
		if s.Name() != "durable" && r.store != nil {
			if err := r.store.SaveCompanyDomain(key, domain, s.Name()); err != nil {
				r.logger.Warn("resolver: failed to persist domain", "company", key, "domain", domain, "error", err)
			}
		}
		r.logger.Debug("resolved company domain", "company", key, "domain", domain, "source", s.Name())
		return domain
	}

	if ctx.Err() != nil {
		return ""
	}
	// Misses are remembered for the session so later contacts skip the lookups.
	r.memory.Store(key, "")
	r.logger.Debug("no domain found", "company", key)
	return ""
}

// Domain is Resolve with an explicit miss.
func (r *Resolver) Domain(ctx context.Context, companyName string) (string, error) {
	if d := r.Resolve(ctx, companyName); d != "" {
		return d, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w for %q", ErrNoDomain, companyName)
}

// NormalizeCompany lowercases, trims and collapses internal whitespace.
func NormalizeCompany(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// NormalizeDomain lowercases a domain, strips a trailing dot and converts
// internationalized names to their ASCII form. Invalid names yield "".
func NormalizeDomain(domain string) string {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if d == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return ""
	}
	return ascii
}

var selfEmployed = toSet(
	"self-employed", "self employed", "selfemployed", "self",
	"freelance", "freelancer", "freelancing",
	"independent", "independent consultant", "consultant",
	"stealth", "stealth mode", "stealth startup",
	"retired", "unemployed", "n/a", "none",
)

func toSet(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// IsSelfEmployed reports whether the company field names no organization.
func IsSelfEmployed(company string) bool {
	return selfEmployed[NormalizeCompany(company)]
}

// Durable returns the strategy backed by the persistent company->domain cache.
func Durable(store DomainStore) Strategy {
	return durableStrategy{store: store}
}

type durableStrategy struct {
	store DomainStore
}

func (durableStrategy) Name() string { return "durable" }

func (d durableStrategy) Lookup(_ context.Context, key, _ string) (string, bool) {
	domain, err := d.store.GetCompanyDomain(key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("resolver: reading durable cache", "company", key, "error", err)
		}
		return "", false
	}
	if domain == "" || domain == sentinelDomain {
		return "", false
	}
	return domain, true
}

type overrideStrategy struct {
	table map[string]string
}

// NewOverrides returns the strategy backed by the operator override table.
func NewOverrides(overrides map[string]string) Strategy {
	table := make(map[string]string, len(overrides))
	for company, domain := range overrides {
		table[NormalizeCompany(company)] = domain
	}
	return overrideStrategy{table: table}
}

func (overrideStrategy) Name() string { return "override" }

func (o overrideStrategy) Lookup(_ context.Context, key, _ string) (string, bool) {
	d, ok := o.table[key]
	return d, ok && d != ""
}
