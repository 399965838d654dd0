package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateJob is returned when a job with the same input file hash already exists.
var ErrDuplicateJob = errors.New("duplicate job")

// Job statuses.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobDone       = "done"
	JobFailed     = "failed"
)

type Job struct {
	ID           string
	Status       string
	NotifyEmail  string
	FilePath     string
	OriginalName string
	FileHash     string
	Enriched     int
	Total        int
	Skipped      int
	DownloadLink string
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Contact struct {
	LinkedInURL   string
	FirstName     string
	LastName      string
	Company       string
	Position      string
	Domain        string
	GuessedEmails string // JSON array stored as text
	BestEmail     string
	Confidence    float64
	VerifiedEmail string
	Status        string
	JobID         string
	UpdatedAt     time.Time
}

type DomainMeta struct {
	Domain          string
	HasMX           bool
	WebsiteLive     bool
	IsTypo          bool
	ResponseTimeMs  *int64
	ConfidenceScore float64
	Verified        bool
	Source          string
	LastChecked     time.Time
}

// PatternRecord is one persisted verification outcome for a (domain, pattern) pair.
type PatternRecord struct {
	Domain    string
	Pattern   string
	Email     string
	Status    string
	Verified  bool
	CheckedAt time.Time
}

type FailedVerification struct {
	ID        int64
	Email     string
	Domain    string
	Attempt   int
	Reason    string
	CreatedAt time.Time
}
