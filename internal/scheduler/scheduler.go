// Package scheduler runs queued enrichment jobs one at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/mailscout/internal/pipeline"
	"github.com/kalambet/mailscout/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob() (*storage.Job, error)
	CompleteJob(id, downloadLink string) error
	FailJob(id string, errMsg string) error
	RequeueStale() (int, error)
}

// JobProcessor runs one job and returns its summary.
type JobProcessor interface {
	ProcessJob(ctx context.Context, job storage.Job) (pipeline.Summary, error)
}

// Notifier tells the submitter their results are ready.
type Notifier interface {
	NotifyComplete(ctx context.Context, to, downloadLink string) error
}

// Scheduler polls the job queue and hands each job to the processor.
type Scheduler struct {
	store     JobStore
	processor JobProcessor
	notifier  Notifier
	baseURL   string
	poll      time.Duration
	logger    *slog.Logger
}

// New creates a Scheduler. baseURL prefixes download links. If pollInterval
// is <= 0, it defaults to 5s. notifier may be nil.
func New(store JobStore, processor JobProcessor, notifier Notifier, baseURL string, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Scheduler{
		store:     store,
		processor: processor,
		notifier:  notifier,
		baseURL:   strings.TrimRight(baseURL, "/"),
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run requeues jobs interrupted by a previous crash, then polls for jobs
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if n, err := s.store.RequeueStale(); err != nil {
		s.logger.Error("requeueing stale jobs", "error", err)
	} else if n > 0 {
		s.logger.Info("requeued interrupted jobs", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("scheduler iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := s.logger.With("job_id", job.ID)
	log.Info("job started", "file", job.OriginalName)

	sum, err := s.processor.ProcessJob(ctx, *job)
	if err != nil && ctx.Err() != nil {
		// Left in processing; the next start requeues it from the first row.
		log.Info("job interrupted", "error", err)
		return true, nil
	}
	if err != nil {
		log.Warn("job failed", "error", err)
		if failErr := s.store.FailJob(job.ID, err.Error()); failErr != nil {
			log.Error("failed to mark job as failed", "error", failErr)
		}
		return true, nil
	}

	link := s.DownloadLink(sum.ExportFile)
	if err := s.store.CompleteJob(job.ID, link); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	log.Info("job done", "enriched", sum.Enriched, "total", sum.Total, "link", link)

	if s.notifier != nil && job.NotifyEmail != "" {
		if err := s.notifier.NotifyComplete(ctx, job.NotifyEmail, link); err != nil {
			log.Warn("completion notification failed", "to", job.NotifyEmail, "error", err)
		}
	}
	return true, nil
}

// DownloadLink builds the public URL of an export file.
func (s *Scheduler) DownloadLink(exportFile string) string {
	return s.baseURL + "/exports/" + exportFile
}
