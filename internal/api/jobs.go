package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/mailscout/internal/storage"
)

const maxUploadSize = 50 << 20 // 50MB

// JobView is the public JSON shape of a job.
type JobView struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Email         string    `json:"email"`
	FileName      string    `json:"file_name,omitempty"`
	EnrichedCount int       `json:"enriched_count"`
	TotalCount    int       `json:"total_count"`
	SkippedCount  int       `json:"skipped_count"`
	DownloadLink  string    `json:"download_link,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewJobView converts a stored job.
func NewJobView(j storage.Job) JobView {
	return JobView{
		ID:            j.ID,
		Status:        j.Status,
		Email:         j.NotifyEmail,
		FileName:      j.OriginalName,
		EnrichedCount: j.Enriched,
		TotalCount:    j.Total,
		SkippedCount:  j.Skipped,
		DownloadLink:  j.DownloadLink,
		Error:         j.LastError,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

// SubmitResponse is returned by POST /jobs.
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type AppDeps struct {
	Store      *storage.Store
	Token      string
	UploadsDir string
	ExportsDir string
}

// NewAppHandler returns the HTTP API. Health and export downloads are public
// since export names are unguessable and links go out by email.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/exports/{name}", handleExport(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/jobs", handleSubmitJob(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleSubmitJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		email := strings.TrimSpace(r.FormValue("email"))
		file, header, err := r.FormFile("file")
		if err != nil || email == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file and email are required")
			return
		}
		defer file.Close()
		if _, err := mail.ParseAddress(email); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid email address")
			return
		}

		if err := os.MkdirAll(deps.UploadsDir, 0o755); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to prepare uploads dir: %v", err)
			return
		}
		tmp, err := os.CreateTemp(deps.UploadsDir, "upload-*.csv")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload: %v", err)
			return
		}
		keep := false
		defer func() {
			if !keep {
				os.Remove(tmp.Name())
			}
		}()

		h := sha256.New()
		_, copyErr := io.Copy(io.MultiWriter(tmp, h), file)
		closeErr := tmp.Close()
		if copyErr != nil || closeErr != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload: %v", errors.Join(copyErr, closeErr))
			return
		}
		hash := hex.EncodeToString(h.Sum(nil))

		if _, err := deps.Store.GetJobByHash(hash); err == nil {
			httpError(w, http.StatusConflict, "duplicate", "this file was already submitted")
			return
		}

		jobID := uuid.New().String()
		path := filepath.Join(deps.UploadsDir, jobID+".csv")
		if err := os.Rename(tmp.Name(), path); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload: %v", err)
			return
		}

		job := storage.Job{
			ID:           jobID,
			Status:       storage.JobQueued,
			NotifyEmail:  email,
			FilePath:     path,
			OriginalName: filepath.Base(header.Filename),
			FileHash:     hash,
		}
		if err := deps.Store.CreateJob(job); err != nil {
			os.Remove(path)
			if errors.Is(err, storage.ErrDuplicateJob) {
				httpError(w, http.StatusConflict, "duplicate", "this file was already submitted")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job: %v", err)
			return
		}
		keep = true

		slog.Info("job queued", "job_id", jobID, "file", job.OriginalName, "email", email)
		writeJSON(w, http.StatusOK, SubmitResponse{JobID: jobID, Status: storage.JobQueued})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, NewJobView(job))
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		jobs, err := deps.Store.ListJobs(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = NewJobView(j)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		id, ok := strings.CutSuffix(name, ".csv")
		if _, err := uuid.Parse(id); !ok || err != nil {
			httpError(w, http.StatusNotFound, "not_found", "export not found")
			return
		}
		path := filepath.Join(deps.ExportsDir, name)
		if _, err := os.Stat(path); err != nil {
			httpError(w, http.StatusNotFound, "not_found", "export not found")
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		http.ServeFile(w, r, path)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
