package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding jobs, contacts and the durable lookup caches.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mailscout.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and ad-hoc maintenance.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Jobs ---

const jobColumns = `id, status, notify_email, file_path, original_name, file_hash, enriched, total, skipped,
	download_link, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var createdAt, updatedAt string
	if err := r.Scan(&j.ID, &j.Status, &j.NotifyEmail, &j.FilePath, &j.OriginalName, &j.FileHash,
		&j.Enriched, &j.Total, &j.Skipped, &j.DownloadLink, &j.LastError, &createdAt, &updatedAt); err != nil {
		return Job{}, err
	}
	var err error
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

// CreateJob inserts a queued job. It returns ErrDuplicateJob when a job with the
// same file hash already exists.
func (s *Store) CreateJob(job Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM jobs WHERE file_hash = ?`, job.FileHash).Scan(&exists); err != nil {
		return fmt.Errorf("checking file hash: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateJob
	}

	ts := now()
	if _, err := tx.Exec(`
		INSERT INTO jobs (id, status, notify_email, file_path, original_name, file_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, JobQueued, job.NotifyEmail, job.FilePath, job.OriginalName, job.FileHash, ts, ts,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: jobs.file_hash") {
			return ErrDuplicateJob
		}
		return fmt.Errorf("inserting job: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) GetJobByHash(hash string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE file_hash = ?`, hash))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) ListJobs(limit int) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimNextJob moves the oldest queued job to processing and returns it.
// Returns (nil, nil) when the queue is empty or another claimer won the race.
func (s *Store) ClaimNextJob() (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRow(`SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	ts := now()
	res, err := tx.Exec(`UPDATE jobs SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'queued'`, ts, j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobProcessing
	if j.UpdatedAt, err = parseTime("updated_at", ts); err != nil {
		return nil, err
	}
	return &j, nil
}

// CompleteJob marks a job done and records its export link.
func (s *Store) CompleteJob(id, downloadLink string) error {
	return s.execOne(`UPDATE jobs SET status = 'done', download_link = ?, last_error = '', updated_at = ? WHERE id = ?`,
		downloadLink, now(), id)
}

// FailJob marks a job failed. Progress counters are left as recorded.
func (s *Store) FailJob(id, errMsg string) error {
	return s.execOne(`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, now(), id)
}

// AddJobProgress increments the job's progress counters.
func (s *Store) AddJobProgress(id string, enriched, total, skipped int) error {
	return s.execOne(`UPDATE jobs SET enriched = enriched + ?, total = total + ?, skipped = skipped + ?, updated_at = ? WHERE id = ?`,
		enriched, total, skipped, now(), id)
}

// RequeueStale resets jobs left in processing (e.g. after a crash) back to
// queued. Their counters are zeroed because the rerun starts from the first row.
func (s *Store) RequeueStale() (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'queued', enriched = 0, total = 0, skipped = 0, updated_at = ?
		WHERE status = 'processing'`, now())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) execOne(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Contacts ---

// UpsertContact inserts or replaces the contact keyed by its LinkedIn URL.
func (s *Store) UpsertContact(c Contact) error {
	if c.LinkedInURL == "" {
		return fmt.Errorf("upserting contact: linkedin url is required")
	}
	guessed := c.GuessedEmails
	if guessed == "" {
		guessed = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO contacts (linkedin_url, first_name, last_name, company, position, domain, guessed_emails,
			best_email, confidence, verified_email, status, job_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(linkedin_url) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			company = excluded.company,
			position = excluded.position,
			domain = excluded.domain,
			guessed_emails = excluded.guessed_emails,
			best_email = excluded.best_email,
			confidence = excluded.confidence,
			verified_email = excluded.verified_email,
			status = excluded.status,
			job_id = excluded.job_id,
			updated_at = excluded.updated_at`,
		c.LinkedInURL, c.FirstName, c.LastName, c.Company, c.Position, c.Domain, guessed,
		c.BestEmail, c.Confidence, c.VerifiedEmail, c.Status, c.JobID, now(),
	)
	return err
}

func (s *Store) GetContact(linkedinURL string) (Contact, error) {
	var c Contact
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT linkedin_url, first_name, last_name, company, position, domain, guessed_emails,
			best_email, confidence, verified_email, status, job_id, updated_at
		FROM contacts WHERE linkedin_url = ?`, linkedinURL,
	).Scan(&c.LinkedInURL, &c.FirstName, &c.LastName, &c.Company, &c.Position, &c.Domain, &c.GuessedEmails,
		&c.BestEmail, &c.Confidence, &c.VerifiedEmail, &c.Status, &c.JobID, &updatedAt)
	if err == sql.ErrNoRows {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Contact{}, err
	}
	return c, nil
}

// CountContacts returns the number of stored contacts.
func (s *Store) CountContacts() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&n)
	return n, err
}
