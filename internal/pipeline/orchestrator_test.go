package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/mailscout/internal/contacts"
	"github.com/kalambet/mailscout/internal/domainmeta"
	"github.com/kalambet/mailscout/internal/patterncache"
	"github.com/kalambet/mailscout/internal/patterns"
	"github.com/kalambet/mailscout/internal/smtpcheck"
	"github.com/kalambet/mailscout/internal/storage"
)

// --- fakes ---

type fakeResolver struct {
	domains map[string]string
}

func (f *fakeResolver) Resolve(_ context.Context, company string) string {
	return f.domains[strings.ToLower(company)]
}

type fakeMeta struct {
	score float64
}

func (f *fakeMeta) Verify(_ context.Context, domain string) (domainmeta.Meta, error) {
	return domainmeta.Meta{Domain: domain, HasMX: true, ConfidenceScore: f.score}, nil
}

type fakeSMTP struct {
	mu       sync.Mutex
	accept   map[string]bool
	calls    map[string]int
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
	// status overrides the verdict for addresses not in accept.
	status smtpcheck.Status
	// onVerify runs before each probe.
	onVerify func(email string)
}

func newFakeSMTP(accept ...string) *fakeSMTP {
	f := &fakeSMTP{accept: map[string]bool{}, calls: map[string]int{}}
	for _, a := range accept {
		f.accept[a] = true
	}
	return f
}

func (f *fakeSMTP) Verify(_ context.Context, email string) smtpcheck.Result {
	if f.onVerify != nil {
		f.onVerify(email)
	}
	n := f.inflight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.inflight.Add(-1)

	f.mu.Lock()
	f.calls[email]++
	f.mu.Unlock()
	if f.accept[email] {
		return smtpcheck.Result{Email: email, Status: smtpcheck.StatusVerified, Verified: true}
	}
	if f.status != "" {
		return smtpcheck.Result{Email: email, Status: f.status}
	}
	return smtpcheck.Result{Email: email, Status: smtpcheck.StatusRejected}
}

func (f *fakeSMTP) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createJob(t *testing.T, s *storage.Store, id, path string) storage.Job {
	t.Helper()
	job := storage.Job{ID: id, Status: storage.JobQueued, NotifyEmail: "ops@example.com", FilePath: path, FileHash: "hash-" + id}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func writeInput(t *testing.T, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.csv")
	content := "First Name,Last Name,URL,Email Address,Company,Position,Connected On\n" + strings.Join(rows, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// --- tests ---

func TestProcessJob_EndToEnd(t *testing.T) {
	store := openStore(t)
	cache := patterncache.New(store)
	smtp := newFakeSMTP("john.smith@acme.com")
	exports := t.TempDir()

	o := New(
		&fakeResolver{domains: map[string]string{"acme": "acme.com"}},
		&fakeMeta{score: 0.6},
		smtp, cache, store,
		Options{BatchSize: 2, ExportsDir: exports},
	)

	path := writeInput(t,
		"John,Smith,https://li/in/john,,Acme,Engineer,01 Jan 2024",
		",Nameless,https://li/in/nobody,,Acme,,",
		"Jane,Doe,https://li/in/jane,,Acme,CTO,",
		"Ann,Lee,https://li/in/ann,,Freelance,,",
		"Solo,,https://li/in/solo,,Acme,,",
	)
	job := createJob(t, store, "job-1", path)

	sum, err := o.ProcessJob(context.Background(), job)
	if err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	if sum.Total != 5 || sum.Enriched != 3 || sum.Skipped != 2 || sum.Verified != 2 {
		t.Errorf("summary = %+v", sum)
	}

	stored, err := store.GetJob("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Total != 5 || stored.Enriched != 3 || stored.Skipped != 2 {
		t.Errorf("job counters = total %d enriched %d skipped %d", stored.Total, stored.Enriched, stored.Skipped)
	}

	john, err := store.GetContact("https://li/in/john")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if john.VerifiedEmail != "john.smith@acme.com" || john.Status != contacts.StatusVerified || john.JobID != "job-1" {
		t.Errorf("john = %+v", john)
	}

	// Jane reuses the verified first.last pattern learned from John.
	jane, err := store.GetContact("https://li/in/jane")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if jane.VerifiedEmail != "jane.doe@acme.com" {
		t.Errorf("jane = %+v", jane)
	}

	ann, err := store.GetContact("https://li/in/ann")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if ann.Domain != "" || ann.Status != contacts.StatusNoDomain {
		t.Errorf("ann = %+v", ann)
	}

	if _, err := store.GetContact("https://li/in/nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("skipped row persisted: %v", err)
	}

	records, err := store.LoadPatternRecords()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Error("pattern cache not flushed")
	}

	f, err := os.Open(filepath.Join(exports, sum.ExportFile))
	if err != nil {
		t.Fatalf("export missing: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Errorf("export rows = %d, want header + 3", len(rows))
	}
}

func TestEnrich_CacheHitSkipsProbe(t *testing.T) {
	cache := patterncache.New(nil)
	for _, p := range []string{"first.last", "flast", "first", "firstlast", "f.last", "first_last", "firstl", "first-last", "first.l", "last.first", "lfirst", "last"} {
		cache.Set("acme.com", p, patterncache.Entry{Status: "smtp_rejected"})
	}
	cache.Set("acme.com", "flast", patterncache.Entry{Status: "verified", Verified: true})
	smtp := newFakeSMTP()

	o := New(&fakeResolver{domains: map[string]string{"acme": "acme.com"}}, nil, smtp, cache, nil, Options{})
	c, ok := o.Enrich(context.Background(), contacts.Contact{FirstName: "John", LastName: "Smith", Company: "Acme"})
	if !ok {
		t.Fatal("contact skipped")
	}
	if smtp.total() != 0 {
		t.Errorf("SMTP probed %d times despite full cache", smtp.total())
	}
	if c.VerifiedEmail != "jsmith@acme.com" || c.Confidence != 0.80 {
		t.Errorf("contact = %+v", c)
	}
}

func TestEnrich_ProbesEachPatternOnce(t *testing.T) {
	cache := patterncache.New(nil)
	smtp := newFakeSMTP()
	o := New(&fakeResolver{domains: map[string]string{"acme": "acme.com"}}, nil, smtp, cache, nil, Options{})
	ctx := context.Background()

	o.Enrich(ctx, contacts.Contact{FirstName: "John", LastName: "Smith", Company: "Acme"})
	first := smtp.total()
	if first == 0 {
		t.Fatal("expected live probes")
	}
	o.Enrich(ctx, contacts.Contact{FirstName: "John", LastName: "Smith", Company: "Acme"})
	if smtp.total() != first {
		t.Errorf("re-probed cached patterns: %d -> %d", first, smtp.total())
	}
}

func TestEnrich_MetadataShortcut(t *testing.T) {
	smtp := newFakeSMTP()
	o := New(&fakeResolver{domains: map[string]string{"acme": "acme.com"}}, &fakeMeta{score: 1.0}, smtp, patterncache.New(nil), nil, Options{})

	c, _ := o.Enrich(context.Background(), contacts.Contact{FirstName: "John", LastName: "Smith", Company: "Acme"})
	if smtp.total() != 0 {
		t.Errorf("probed %d times with confident metadata", smtp.total())
	}
	if c.VerifiedEmail != "john.smith@acme.com" || c.GuessedEmails[0].Status != StatusMetadataConfident {
		t.Errorf("contact = %+v", c)
	}
}

func TestEnrich_NoVerifiedFallsBackToGuess(t *testing.T) {
	o := New(&fakeResolver{domains: map[string]string{"acme": "acme.com"}}, &fakeMeta{score: 0.6}, newFakeSMTP(), nil, nil, Options{})

	c, ok := o.Enrich(context.Background(), contacts.Contact{FirstName: "John", LastName: "Smith", Company: "Acme"})
	if !ok {
		t.Fatal("contact skipped")
	}
	if c.Status != contacts.StatusGuessed || c.VerifiedEmail != "" || c.BestEmail != "john.smith@acme.com" {
		t.Errorf("contact = %+v", c)
	}
	for _, g := range c.GuessedEmails {
		if g.Verified {
			t.Errorf("guess %s marked verified", g.Email)
		}
	}
}

func TestSelectBest_TieKeepsEarliest(t *testing.T) {
	c := contacts.Contact{GuessedEmails: []contacts.GuessedEmail{
		{Email: "a@x.com", Confidence: 0.5, Verified: false},
		{Email: "b@x.com", Confidence: 0.4, Verified: true},
		{Email: "c@x.com", Confidence: 0.4, Verified: true},
	}}
	selectBest(&c)
	if c.VerifiedEmail != "b@x.com" {
		t.Errorf("best = %q, want b@x.com", c.VerifiedEmail)
	}
}

func TestEnrich_ProbeConcurrencyBounded(t *testing.T) {
	smtp := newFakeSMTP()
	smtp.delay = 5 * time.Millisecond
	o := New(&fakeResolver{domains: map[string]string{"acme": "acme.com"}}, nil, smtp, nil, nil,
		Options{ContactConcurrency: 4, VerifyConcurrency: 3})

	var sum Summary
	batch := []contacts.Contact{
		{FirstName: "A", LastName: "One", Company: "Acme"},
		{FirstName: "B", LastName: "Two", Company: "Acme"},
		{FirstName: "C", LastName: "Three", Company: "Acme"},
		{FirstName: "D", LastName: "Four", Company: "Acme"},
	}
	o.runBatch(context.Background(), "", batch, &sum)
	if p := smtp.peak.Load(); p > 3 {
		t.Errorf("peak concurrent probes = %d, want <= 3", p)
	}
	if sum.Enriched != 4 || sum.Total != 4 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestEnrich_AlreadyVerifiedReused(t *testing.T) {
	store := openStore(t)
	if err := store.UpsertContact(storage.Contact{
		LinkedInURL: "https://li/in/john", FirstName: "john", LastName: "smith",
		Domain: "acme.com", VerifiedEmail: "js@acme.com", Confidence: 0.8, Status: contacts.StatusVerified,
	}); err != nil {
		t.Fatal(err)
	}
	smtp := newFakeSMTP()
	o := New(&fakeResolver{}, nil, smtp, nil, store, Options{})

	c, _ := o.Enrich(context.Background(), contacts.Contact{FirstName: "John", LastName: "Smith", Company: "Acme", LinkedInURL: "https://li/in/john"})
	if c.Status != contacts.StatusAlreadyVerified || c.VerifiedEmail != "js@acme.com" {
		t.Errorf("contact = %+v", c)
	}
	if smtp.total() != 0 {
		t.Error("known contact should not be probed")
	}
}

func TestProcess_RecordsFailedVerifications(t *testing.T) {
	store := openStore(t)
	o := New(&fakeResolver{domains: map[string]string{"acme": "acme.com"}}, nil, newFakeSMTP(), nil, store, Options{})

	o.Enrich(context.Background(), contacts.Contact{FirstName: "John", LastName: "Smith", Company: "Acme"})
	failed, err := store.ListFailedVerifications("john.smith@acme.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Reason != string(smtpcheck.StatusRejected) {
		t.Errorf("failed verifications = %+v", failed)
	}
}

func TestProcess_BadHeader(t *testing.T) {
	o := New(&fakeResolver{}, nil, newFakeSMTP(), nil, nil, Options{})
	_, _, err := o.Process(context.Background(), "", strings.NewReader("foo,bar\n1,2\n"))
	if !errors.Is(err, contacts.ErrMissingColumn) {
		t.Fatalf("err = %v, want ErrMissingColumn", err)
	}
}

func TestRunBatch_SharedDomainVerifiesEachPatternOnce(t *testing.T) {
	smtp := newFakeSMTP()
	smtp.delay = 20 * time.Millisecond
	o := New(&fakeResolver{domains: map[string]string{"acme": "acme.com"}}, nil, smtp, patterncache.New(nil), nil,
		Options{ContactConcurrency: 2, VerifyConcurrency: 8})

	batch := []contacts.Contact{
		{FirstName: "John", LastName: "Smith", Company: "Acme"},
		{FirstName: "Jane", LastName: "Doe", Company: "Acme"},
	}
	distinct := map[string]bool{}
	for _, c := range batch {
		for _, cand := range patterns.Generate(c.FirstName, c.LastName, "acme.com") {
			distinct[cand.Pattern] = true
		}
	}

	var sum Summary
	if _, err := o.runBatch(context.Background(), "", batch, &sum); err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if got := smtp.total(); got != len(distinct) {
		t.Errorf("probes = %d, want one per pattern (%d)", got, len(distinct))
	}
}

func TestEnrich_RateLimitedOutcomeNotKept(t *testing.T) {
	store := openStore(t)
	cache := patterncache.New(store)
	smtp := newFakeSMTP()
	smtp.status = smtpcheck.StatusRateLimited
	o := New(&fakeResolver{domains: map[string]string{"acme": "acme.com"}}, nil, smtp, cache, store, Options{})

	c, ok := o.Enrich(context.Background(), contacts.Contact{FirstName: "John", LastName: "Smith", Company: "Acme"})
	if !ok {
		t.Fatal("contact skipped")
	}
	if c.Status != contacts.StatusGuessed {
		t.Errorf("status = %q, want guessed", c.Status)
	}
	if cache.Len() != 0 {
		t.Errorf("cached %d rate-limited outcomes", cache.Len())
	}
	failed, err := store.ListFailedVerifications("john.smith@acme.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Errorf("rate-limited probe recorded as failed: %+v", failed)
	}

	first := smtp.total()
	smtp.status = ""
	o.Enrich(context.Background(), contacts.Contact{FirstName: "John", LastName: "Smith", Company: "Acme"})
	if smtp.total() != 2*first {
		t.Errorf("probes after limiter cleared = %d, want %d", smtp.total(), 2*first)
	}
}

func TestProcessJob_CancelledMidBatch(t *testing.T) {
	store := openStore(t)
	cache := patterncache.New(store)
	exports := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	smtp := newFakeSMTP("john.smith@acme.com")
	smtp.onVerify = func(email string) {
		if strings.HasSuffix(email, "@beta.com") {
			cancel()
		}
	}
	o := New(&fakeResolver{domains: map[string]string{"acme": "acme.com", "beta": "beta.com"}}, nil, smtp, cache, store,
		Options{BatchSize: 2, ContactConcurrency: 1, ExportsDir: exports})

	path := writeInput(t,
		"John,Smith,https://li/in/john,,Acme,Engineer,",
		"Jane,Doe,https://li/in/jane,,Beta,CTO,",
		"Ann,Lee,https://li/in/ann,,Acme,,",
	)
	job := createJob(t, store, "job-c", path)

	_, err := o.ProcessJob(ctx, job)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ProcessJob err = %v, want context.Canceled", err)
	}

	// John finished before the cancel; Jane was cut short and Ann never started.
	john, err := store.GetContact("https://li/in/john")
	if err != nil || john.Domain != "acme.com" || john.VerifiedEmail != "john.smith@acme.com" {
		t.Errorf("john = %+v, %v", john, err)
	}
	for _, url := range []string{"https://li/in/jane", "https://li/in/ann"} {
		if _, err := store.GetContact(url); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("%s persisted after cancellation: %v", url, err)
		}
	}
	stored, _ := store.GetJob("job-c")
	if stored.Total != 0 || stored.Enriched != 0 {
		t.Errorf("interrupted batch counted: total %d enriched %d", stored.Total, stored.Enriched)
	}
	if entries, _ := os.ReadDir(exports); len(entries) != 0 {
		t.Errorf("export written for interrupted job")
	}

	// Outcomes learned before the cancel are still flushed; later ones are dropped.
	records, err := store.LoadPatternRecords()
	if err != nil {
		t.Fatal(err)
	}
	var acme, beta int
	for _, r := range records {
		switch r.Domain {
		case "acme.com":
			acme++
		case "beta.com":
			beta++
		}
	}
	if acme == 0 || beta != 0 {
		t.Errorf("flushed records acme=%d beta=%d, want acme>0 beta=0", acme, beta)
	}
}
