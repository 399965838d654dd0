package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/mailscout/internal/api"
	"github.com/kalambet/mailscout/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.RequireAPIToken(); err != nil {
		return nil, err
	}

	return &apiClient{
		baseURL:    strings.TrimRight(cfg.Server.BaseURL, "/"),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is mailscout running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, "")
}

// submit streams a CSV upload to POST /jobs.
func (c *apiClient) submit(ctx context.Context, path, email string) (api.SubmitResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return api.SubmitResponse{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := mw.WriteField("email", email)
		if err == nil {
			var fw io.Writer
			fw, err = mw.CreateFormFile("file", filepath.Base(path))
			if err == nil {
				_, err = io.Copy(fw, f)
			}
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	resp, err := c.do(ctx, http.MethodPost, "/jobs", pr, mw.FormDataContentType())
	if err != nil {
		pr.Close()
		return api.SubmitResponse{}, err
	}
	var out api.SubmitResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.SubmitResponse{}, err
	}
	return out, nil
}

func (c *apiClient) getJob(ctx context.Context, id string) (api.JobView, error) {
	resp, err := c.get(ctx, "/jobs/"+url.PathEscape(id))
	if err != nil {
		return api.JobView{}, err
	}
	var job api.JobView
	if err := decodeJSON(resp, &job); err != nil {
		return api.JobView{}, err
	}
	return job, nil
}

func (c *apiClient) listJobs(ctx context.Context, limit int) ([]api.JobView, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/jobs?limit=%d", limit))
	if err != nil {
		return nil, err
	}
	var jobs []api.JobView
	if err := decodeJSON(resp, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var e apiErrorBody
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
