package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/mailscout/internal/api"
	"github.com/kalambet/mailscout/internal/storage"
)

var ctx = context.Background()

const testToken = "test-token"

// newTestAPI serves the real HTTP API over an in-memory store.
func newTestAPI(t *testing.T) (*apiClient, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	srv := httptest.NewServer(api.NewAppHandler(api.AppDeps{
		Store:      store,
		Token:      testToken,
		UploadsDir: filepath.Join(dir, "uploads"),
		ExportsDir: filepath.Join(dir, "exports"),
	}))
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:    srv.URL,
		token:      testToken,
		httpClient: srv.Client(),
	}, store
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Connections.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSubmitAndJobStatus(t *testing.T) {
	client, store := newTestAPI(t)
	path := writeCSV(t, "First Name,Last Name,Company\nJane,Doe,Acme\n")

	res, err := client.submit(ctx, path, "me@example.com")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.JobID == "" || res.Status != storage.JobQueued {
		t.Fatalf("submit response = %+v", res)
	}

	stored, err := store.GetJob(res.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.OriginalName != "Connections.csv" || stored.NotifyEmail != "me@example.com" {
		t.Errorf("stored job = %+v", stored)
	}

	job, err := client.getJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("getJob: %v", err)
	}
	if job.ID != res.JobID || job.Status != storage.JobQueued {
		t.Errorf("job = %+v", job)
	}

	jobs, err := client.listJobs(ctx, 10)
	if err != nil {
		t.Fatalf("listJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("listJobs returned %d jobs, want 1", len(jobs))
	}
}

func TestSubmitDuplicate(t *testing.T) {
	client, _ := newTestAPI(t)
	path := writeCSV(t, "First Name,Last Name,Company\nJane,Doe,Acme\n")

	if _, err := client.submit(ctx, path, "me@example.com"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := client.submit(ctx, path, "me@example.com")
	if err == nil {
		t.Fatal("expected duplicate error")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "already submitted") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestSubmitMissingFile(t *testing.T) {
	client, _ := newTestAPI(t)
	if _, err := client.submit(ctx, filepath.Join(t.TempDir(), "nope.csv"), "me@example.com"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestJobNotFound(t *testing.T) {
	client, _ := newTestAPI(t)
	_, err := client.getJob(ctx, "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "job not found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestWrongToken(t *testing.T) {
	client, _ := newTestAPI(t)
	client.token = "wrong"
	if _, err := client.listJobs(ctx, 10); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("listJobs with wrong token = %v, want 401", err)
	}
}

func TestServerNotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := &apiClient{baseURL: url, token: testToken, httpClient: http.DefaultClient}
	_, err := client.getJob(ctx, "x")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestCommands_MissingRequiredFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"submit without email", []string{"submit", "x.csv"}},
		{"guess without company", []string{"guess", "--first", "jane"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer rootCmd.SetArgs(nil)

			rootCmd.SetArgs(tt.args)
			err := rootCmd.Execute()
			if err == nil {
				t.Fatal("expected error for missing flags")
			}
			if !strings.Contains(err.Error(), "required") {
				t.Errorf("error = %q, want it to mention 'required'", err.Error())
			}
		})
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestStatusColor(t *testing.T) {
	tests := map[string]string{
		"verified":      colorGreen,
		"done":          colorGreen,
		"guessed":       colorYellow,
		"queued":        colorYellow,
		"smtp_rejected": colorRed,
		"failed":        colorRed,
	}
	for status, want := range tests {
		if got := statusColor(status); got != want {
			t.Errorf("statusColor(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestCountLabel(t *testing.T) {
	if got := countLabel(5, 100); got != "5" {
		t.Errorf("countLabel(5) = %q", got)
	}
	if got := countLabel(100, 100); got != "100+" {
		t.Errorf("countLabel(100) = %q", got)
	}
}
