package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultLookupURL is the Clearbit company autocomplete endpoint.
const DefaultLookupURL = "https://autocomplete.clearbit.com/v1/companies/suggest"

// sentinelDomain is a placeholder the lookup service returns when it has no
// real match. It must never be accepted or persisted.
const sentinelDomain = "search.app.goo.gl"

const lookupTimeout = 5 * time.Second

type suggestion struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// LookupClient queries a company-name autocomplete service.
type LookupClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLookupClient creates a client for baseURL. A nil httpClient gets a
// client with a 5 second timeout.
func NewLookupClient(baseURL string, httpClient *http.Client) *LookupClient {
	if baseURL == "" {
		baseURL = DefaultLookupURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: lookupTimeout}
	}
	return &LookupClient{baseURL: baseURL, httpClient: httpClient}
}

func (c *LookupClient) Name() string { return "lookup" }

// Lookup returns the domain of the first suggestion. Failures are logged and
// reported as a miss.
func (c *LookupClient) Lookup(ctx context.Context, _, company string) (string, bool) {
	domain, err := c.suggest(ctx, company)
	if err != nil {
		slog.Warn("resolver: lookup failed", "company", company, "error", err)
		return "", false
	}
	domain = strings.TrimSpace(domain)
	if domain == "" || strings.EqualFold(domain, sentinelDomain) {
		return "", false
	}
	return domain, true
}

func (c *LookupClient) suggest(ctx context.Context, company string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	u := c.baseURL + "?query=" + url.QueryEscape(strings.TrimSpace(company))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("lookup returned status %d: %s", resp.StatusCode, body)
	}

	var out []suggestion
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding lookup response: %w", err)
	}
	if len(out) == 0 {
		return "", nil
	}
	return out[0].Domain, nil
}
