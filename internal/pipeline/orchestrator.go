// Package pipeline runs a job's contacts through domain resolution, candidate
// generation and SMTP verification with bounded concurrency.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/mailscout/internal/contacts"
	"github.com/kalambet/mailscout/internal/domainmeta"
	"github.com/kalambet/mailscout/internal/patterncache"
	"github.com/kalambet/mailscout/internal/patterns"
	"github.com/kalambet/mailscout/internal/smtpcheck"
	"github.com/kalambet/mailscout/internal/storage"
)

// StatusMetadataConfident marks a candidate accepted on domain metadata alone.
const StatusMetadataConfident = "metadata_confident"

// confidentScore is the metadata score at which live probing is skipped.
const confidentScore = 1.0

// Defaults match the batch sizes the service was tuned with.
const (
	DefaultBatchSize          = 25
	DefaultContactConcurrency = 6
	DefaultVerifyConcurrency  = 8
)

// DomainResolver maps a company name to a domain ("" when unknown).
type DomainResolver interface {
	Resolve(ctx context.Context, company string) string
}

// MetaVerifier scores a domain.
type MetaVerifier interface {
	Verify(ctx context.Context, domain string) (domainmeta.Meta, error)
}

// EmailVerifier probes one address.
type EmailVerifier interface {
	Verify(ctx context.Context, email string) smtpcheck.Result
}

// PatternCache is the shared (domain, pattern) outcome cache.
type PatternCache interface {
	Get(domain, pattern string) (patterncache.Entry, bool)
	Set(domain, pattern string, e patterncache.Entry)
	Flush(ctx context.Context) (int, error)
}

// Store is the persistence the orchestrator writes through.
type Store interface {
	GetContact(linkedinURL string) (storage.Contact, error)
	UpsertContact(c storage.Contact) error
	AddJobProgress(id string, enriched, total, skipped int) error
	RecordFailedVerification(email, domain, reason string) error
}

// Options tunes batching and concurrency. Zero values get defaults.
type Options struct {
	BatchSize          int
	ContactConcurrency int
	VerifyConcurrency  int
	ExportsDir         string
}

// Summary reports what a job run did.
type Summary struct {
	Enriched   int    `json:"enriched"`
	Total      int    `json:"total"`
	Skipped    int    `json:"skipped"`
	Verified   int    `json:"verified"`
	ExportFile string `json:"export_file,omitempty"`
}

// Orchestrator runs contacts through resolution, candidate generation and
// verification in bounded batches.
type Orchestrator struct {
	resolver DomainResolver
	meta     MetaVerifier
	smtp     EmailVerifier
	cache    PatternCache
	store    Store

	batchSize          int
	contactConcurrency int
	probes             *semaphore.Weighted
	inflight           singleflight.Group
	exportsDir         string
	logger             *slog.Logger
}

// New creates an Orchestrator. store may be nil for dry runs.
func New(resolver DomainResolver, meta MetaVerifier, smtp EmailVerifier, cache PatternCache, store Store, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ContactConcurrency <= 0 {
		opts.ContactConcurrency = DefaultContactConcurrency
	}
	if opts.VerifyConcurrency <= 0 {
		opts.VerifyConcurrency = DefaultVerifyConcurrency
	}
	if opts.ExportsDir == "" {
		opts.ExportsDir = "exports"
	}
	return &Orchestrator{
		resolver:           resolver,
		meta:               meta,
		smtp:               smtp,
		cache:              cache,
		store:              store,
		batchSize:          opts.BatchSize,
		contactConcurrency: opts.ContactConcurrency,
		probes:             semaphore.NewWeighted(int64(opts.VerifyConcurrency)),
		exportsDir:         opts.ExportsDir,
		logger:             slog.Default(),
	}
}

// ProcessJob enriches every contact in the job's input file and writes the
// export. Progress is persisted after each batch, so a failed run keeps the
// counts of the batches it finished. A cancelled ctx stops the run before the
// next batch and returns the context error without writing an export.
func (o *Orchestrator) ProcessJob(ctx context.Context, job storage.Job) (Summary, error) {
	f, err := os.Open(job.FilePath)
	if err != nil {
		return Summary{}, fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	start := time.Now()
	sum, enriched, err := o.Process(ctx, job.ID, f)
	if err != nil {
		return sum, err
	}

	name, err := o.export(enriched)
	if err != nil {
		return sum, err
	}
	sum.ExportFile = name

	o.logger.Info("job processed",
		"job_id", job.ID,
		"total", sum.Total,
		"enriched", sum.Enriched,
		"skipped", sum.Skipped,
		"verified", sum.Verified,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return sum, nil
}

// Process streams contacts from r in batches and returns the enriched ones.
// A read error ends the run after the rows read so far are processed.
func (o *Orchestrator) Process(ctx context.Context, jobID string, r io.Reader) (Summary, []contacts.Contact, error) {
	var sum Summary
	reader, err := contacts.NewReader(r)
	if err != nil {
		return sum, nil, fmt.Errorf("reading input header: %w", err)
	}

	var out []contacts.Contact
	batch := make([]contacts.Contact, 0, o.batchSize)
	for {
		if err := ctx.Err(); err != nil {
			return sum, out, fmt.Errorf("processing stopped: %w", err)
		}
		c, readErr := reader.Next()
		if readErr == nil {
			batch = append(batch, c)
			if len(batch) < o.batchSize {
				continue
			}
		}
		if len(batch) > 0 {
			enriched, err := o.runBatch(ctx, jobID, batch, &sum)
			if err != nil {
				return sum, out, fmt.Errorf("processing stopped: %w", err)
			}
			out = append(out, enriched...)
			batch = batch[:0]
		}
		if errors.Is(readErr, io.EOF) {
			return sum, out, nil
		}
		if readErr != nil {
			return sum, out, fmt.Errorf("reading input: %w", readErr)
		}
	}
}

// runBatch processes one batch concurrently and persists its progress once
// every worker has finished. If ctx ends mid-batch, contacts finished after
// that point are dropped and the batch is not counted.
func (o *Orchestrator) runBatch(ctx context.Context, jobID string, batch []contacts.Contact, sum *Summary) ([]contacts.Contact, error) {
	results := make([]contacts.Contact, len(batch))
	valid := make([]bool, len(batch))

	var g errgroup.Group
	g.SetLimit(o.contactConcurrency)
	for i := range batch {
		g.Go(func() error {
			results[i], valid[i] = o.Enrich(ctx, batch[i])
			if valid[i] && ctx.Err() == nil {
				o.persist(jobID, results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	o.flush(ctx, jobID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]contacts.Contact, 0, len(batch))
	var enriched, skipped int
	for i, c := range results {
		if !valid[i] {
			skipped++
			continue
		}
		enriched++
		if c.VerifiedEmail != "" {
			sum.Verified++
		}
		out = append(out, c)
	}
	sum.Enriched += enriched
	sum.Skipped += skipped
	sum.Total += len(batch)

	if o.store != nil && jobID != "" {
		if err := o.store.AddJobProgress(jobID, enriched, len(batch), skipped); err != nil {
			o.logger.Warn("pipeline: progress update failed", "job_id", jobID, "error", err)
		}
	}
	o.logger.Debug("batch done", "job_id", jobID, "size", len(batch), "enriched", enriched, "skipped", skipped)
	return out, nil
}

// flush persists the outcomes cached so far. It outlives ctx so a shutdown
// still saves what the last batch learned.
func (o *Orchestrator) flush(ctx context.Context, jobID string) {
	if o.cache == nil {
		return
	}
	if _, err := o.cache.Flush(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warn("pipeline: pattern cache flush failed", "job_id", jobID, "error", err)
	}
}

// Enrich resolves and verifies one contact. It returns false when the row
// has no usable name and must be skipped.
func (o *Orchestrator) Enrich(ctx context.Context, c contacts.Contact) (contacts.Contact, bool) {
	c.FirstName, c.LastName = contacts.NormalizeNames(c.FirstName, c.LastName)
	if !c.Valid() {
		return c, false
	}

	if known, ok := o.knownVerified(c.LinkedInURL); ok {
		c.Domain = known.Domain
		c.VerifiedEmail = known.VerifiedEmail
		c.BestEmail = known.VerifiedEmail
		c.Confidence = known.Confidence
		c.Status = contacts.StatusAlreadyVerified
		return c, true
	}

	c.Domain = o.resolver.Resolve(ctx, c.Company)
	if c.Domain == "" {
		c.Status = contacts.StatusNoDomain
		return c, true
	}

	if o.meta != nil {
		meta, err := o.meta.Verify(ctx, c.Domain)
		if err != nil {
			o.logger.Warn("pipeline: domain metadata failed", "domain", c.Domain, "error", err)
		} else {
			c.DomainMeta = &meta
		}
	}

	cands := patterns.Generate(c.FirstName, c.LastName, c.Domain)
	if len(cands) == 0 {
		c.Status = contacts.StatusNoCandidates
		return c, true
	}

	confident := c.DomainMeta != nil && c.DomainMeta.ConfidenceScore >= confidentScore
	c.GuessedEmails = make([]contacts.GuessedEmail, len(cands))
	var g errgroup.Group
	for i, cand := range cands {
		g.Go(func() error {
			c.GuessedEmails[i] = o.check(ctx, c.Domain, cand, confident)
			return nil
		})
	}
	_ = g.Wait()

	selectBest(&c)
	return c, true
}

// check resolves one candidate from the cache, the metadata shortcut or a
// live probe, in that order.
func (o *Orchestrator) check(ctx context.Context, domain string, cand patterns.Candidate, confident bool) contacts.GuessedEmail {
	g := contacts.GuessedEmail{Pattern: cand.Pattern, Email: cand.Email, Confidence: cand.Confidence}

	if e, ok := o.cached(domain, cand.Pattern); ok {
		g.Status, g.Verified = e.Status, e.Verified
		return g
	}

	if confident {
		g.Status, g.Verified = StatusMetadataConfident, true
		if ctx.Err() == nil {
			o.remember(domain, g)
		}
		return g
	}

	// Contacts sharing a domain share one probe per pattern.
	v, _, _ := o.inflight.Do(domain+"\x00"+cand.Pattern, func() (any, error) {
		return o.probe(ctx, domain, cand), nil
	})
	e := v.(patterncache.Entry)
	g.Status, g.Verified = e.Status, e.Verified
	return g
}

func (o *Orchestrator) cached(domain, pattern string) (patterncache.Entry, bool) {
	if o.cache == nil {
		return patterncache.Entry{}, false
	}
	return o.cache.Get(domain, pattern)
}

// probe verifies cand live and caches the outcome. Outcomes produced after
// ctx ended, or that say nothing about the mailbox, are not kept.
func (o *Orchestrator) probe(ctx context.Context, domain string, cand patterns.Candidate) patterncache.Entry {
	if e, ok := o.cached(domain, cand.Pattern); ok {
		return e
	}
	if err := o.probes.Acquire(ctx, 1); err != nil {
		return patterncache.Entry{Email: cand.Email, Status: string(smtpcheck.StatusTimeout)}
	}
	res := o.smtp.Verify(ctx, cand.Email)
	o.probes.Release(1)

	e := patterncache.Entry{Email: cand.Email, Status: string(res.Status), Verified: res.Verified}
	if ctx.Err() != nil || res.Status.Transient() {
		return e
	}
	if o.cache != nil {
		o.cache.Set(domain, cand.Pattern, e)
	}

	if !res.Verified && res.Status.Probed() && o.store != nil {
		if err := o.store.RecordFailedVerification(cand.Email, domain, string(res.Status)); err != nil {
			o.logger.Warn("pipeline: recording failed verification", "email", cand.Email, "error", err)
		}
	}
	return e
}

func (o *Orchestrator) remember(domain string, g contacts.GuessedEmail) {
	if o.cache == nil {
		return
	}
	o.cache.Set(domain, g.Pattern, patterncache.Entry{Email: g.Email, Status: g.Status, Verified: g.Verified})
}

// selectBest picks the highest-confidence verified candidate, earliest on
// ties. Without one the top-ranked candidate becomes an unverified guess.
func selectBest(c *contacts.Contact) {
	best := -1
	for i, g := range c.GuessedEmails {
		if g.Verified && (best < 0 || g.Confidence > c.GuessedEmails[best].Confidence) {
			best = i
		}
	}
	if best >= 0 {
		g := c.GuessedEmails[best]
		c.BestEmail, c.VerifiedEmail, c.Confidence = g.Email, g.Email, g.Confidence
		c.Status = contacts.StatusVerified
		return
	}
	first := c.GuessedEmails[0]
	c.BestEmail, c.Confidence = first.Email, first.Confidence
	c.Status = contacts.StatusGuessed
}

func (o *Orchestrator) knownVerified(linkedinURL string) (storage.Contact, bool) {
	if o.store == nil || linkedinURL == "" {
		return storage.Contact{}, false
	}
	existing, err := o.store.GetContact(linkedinURL)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("pipeline: loading contact", "linkedin_url", linkedinURL, "error", err)
		}
		return storage.Contact{}, false
	}
	return existing, existing.VerifiedEmail != ""
}

// persist upserts the contact by LinkedIn URL. Rows without one have no
// natural key and only appear in the export.
func (o *Orchestrator) persist(jobID string, c contacts.Contact) {
	if o.store == nil || c.LinkedInURL == "" || c.Status == contacts.StatusAlreadyVerified {
		return
	}
	guessed, err := json.Marshal(c.GuessedEmails)
	if err != nil {
		o.logger.Warn("pipeline: encoding guesses", "linkedin_url", c.LinkedInURL, "error", err)
		guessed = []byte("[]")
	}
	rec := storage.Contact{
		LinkedInURL:   c.LinkedInURL,
		FirstName:     c.FirstName,
		LastName:      c.LastName,
		Company:       c.Company,
		Position:      c.Position,
		Domain:        c.Domain,
		GuessedEmails: string(guessed),
		BestEmail:     c.BestEmail,
		Confidence:    c.Confidence,
		VerifiedEmail: c.VerifiedEmail,
		Status:        c.Status,
		JobID:         jobID,
	}
	if err := o.store.UpsertContact(rec); err != nil {
		o.logger.Warn("pipeline: contact upsert failed", "linkedin_url", c.LinkedInURL, "error", err)
	}
}

// export writes the enriched contacts to a fresh file in the exports
// directory and returns its base name.
func (o *Orchestrator) export(rows []contacts.Contact) (string, error) {
	if err := os.MkdirAll(o.exportsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating exports dir: %w", err)
	}
	name := uuid.New().String() + ".csv"
	f, err := os.Create(filepath.Join(o.exportsDir, name))
	if err != nil {
		return "", fmt.Errorf("creating export: %w", err)
	}
	if err := contacts.WriteExport(f, rows); err != nil {
		f.Close()
		return "", fmt.Errorf("writing export: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing export: %w", err)
	}
	return name, nil
}
