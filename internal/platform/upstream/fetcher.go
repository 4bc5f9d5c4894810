// Package upstream implements task.ContentFetcher over the HTTP API of
// the content source.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/phrazzld/stash-api/internal/config"
	"github.com/phrazzld/stash-api/internal/task"
)

// maxBodySize bounds how much content a single fetch accepts.
const maxBodySize = 10 << 20

// Fetcher retrieves save target content over HTTP. Requests go to
// {base_url}/{target}/{target_id} with an optional bearer token.
type Fetcher struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewFetcher creates a fetcher from the upstream config.
func NewFetcher(cfg config.UpstreamConfig, logger *slog.Logger) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	return &Fetcher{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "upstream_fetcher"),
	}, nil
}

// Fetch implements task.ContentFetcher. An authorization rejection maps
// to task.ErrUnauthorized so the save handler can fail the job
// permanently; other failures are left retryable.
func (f *Fetcher) Fetch(ctx context.Context, target task.Target, targetID string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", f.baseURL, url.PathEscape(string(target)), url.PathEscape(targetID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		f.logger.Warn("upstream rejected request",
			"target", string(target),
			"target_id", targetID,
			"status", resp.StatusCode)
		return nil, task.ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("upstream returned status %d for %s/%s", resp.StatusCode, target, targetID)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	if !json.Valid(body) {
		// Wrap non-JSON content so downstream storage stays JSONB-safe.
		wrapped, err := json.Marshal(map[string]string{"raw": string(body)})
		if err != nil {
			return nil, fmt.Errorf("failed to wrap upstream content: %w", err)
		}
		return wrapped, nil
	}
	return body, nil
}
