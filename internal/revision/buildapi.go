package revision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the buildapi root of the build-status service.
	DefaultBaseURL = "https://secure.pub.build.mozilla.org/buildapi"
	// DefaultBranch is the try repository.
	DefaultBranch = "try"
)

// BuildAPIClient reads revision jobs from the buildapi self-serve endpoint.
type BuildAPIClient struct {
	baseURL    string
	branch     string
	username   string
	password   string
	httpClient *http.Client
}

// ClientConfig holds BuildAPIClient settings.
type ClientConfig struct {
	BaseURL  string
	Branch   string
	Username string
	Password string
	Timeout  time.Duration
}

// NewBuildAPIClient creates a client. Empty fields fall back to defaults.
func NewBuildAPIClient(cfg ClientConfig) *BuildAPIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Branch == "" {
		cfg.Branch = DefaultBranch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &BuildAPIClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		branch:   cfg.Branch,
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// FetchJobs implements Source.
func (c *BuildAPIClient) FetchJobs(ctx context.Context, rev string) ([]Record, error) {
	endpoint := fmt.Sprintf("%s/self-serve/%s/rev/%s?format=json",
		c.baseURL, url.PathEscape(c.branch), url.PathEscape(rev))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: execute request: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrRevisionNotFound, rev)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: API request failed with status %d: %s", ErrFetchFailed, resp.StatusCode, string(body))
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrFetchFailed, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRevisionNotFound, rev)
	}
	return records, nil
}
