// Package notify tells job submitters their enriched export is ready.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultResendURL is the Resend transactional email endpoint.
const DefaultResendURL = "https://api.resend.com/emails"

// DefaultFrom is the sender used when none is configured.
const DefaultFrom = "onboarding@resend.dev"

const subject = "Your contact enrichment is complete"

// Notifier delivers completion notices.
type Notifier interface {
	NotifyComplete(ctx context.Context, to, downloadLink string) error
}

// ResendNotifier sends completion emails through the Resend HTTP API.
type ResendNotifier struct {
	apiKey     string
	from       string
	endpoint   string
	httpClient *http.Client
}

// NewResend creates a ResendNotifier. An empty from uses DefaultFrom.
func NewResend(apiKey, from string) *ResendNotifier {
	if from == "" {
		from = DefaultFrom
	}
	return &ResendNotifier{
		apiKey:     apiKey,
		from:       from,
		endpoint:   DefaultResendURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// NotifyComplete emails the download link to the submitter.
func (n *ResendNotifier) NotifyComplete(ctx context.Context, to, downloadLink string) error {
	body, err := json.Marshal(emailRequest{
		From:    n.from,
		To:      []string{to},
		Subject: subject,
		HTML:    fmt.Sprintf(`<p>Your contacts are ready. <a href="%s">Download here</a>.</p>`, html.EscapeString(downloadLink)),
	})
	if err != nil {
		return fmt.Errorf("marshaling email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("resend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// LogNotifier only logs; used when no email API key is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) NotifyComplete(_ context.Context, to, downloadLink string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("job complete", "notify", to, "link", downloadLink)
	return nil
}

// New picks the Resend notifier when apiKey is set and the log notifier otherwise.
func New(apiKey, from string) Notifier {
	if apiKey == "" {
		return LogNotifier{}
	}
	return NewResend(apiKey, from)
}
