package trigger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRejected marks a request the self-serve service refused outright.
// Retrying it will not help.
var ErrRejected = errors.New("trigger rejected")

// Submitter asks the build system to run one builder on a revision.
type Submitter interface {
	Trigger(ctx context.Context, builder, rev string) error
}

// SelfServeClient submits jobs through the buildapi self-serve endpoint.
type SelfServeClient struct {
	baseURL    string
	branch     string
	username   string
	password   string
	httpClient *http.Client
}

type ClientConfig struct {
	BaseURL  string
	Branch   string
	Username string
	Password string
	Timeout  time.Duration
}

func NewSelfServeClient(cfg ClientConfig) *SelfServeClient {
	if cfg.Branch == "" {
		cfg.Branch = "try"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SelfServeClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		branch:     cfg.Branch,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Trigger POSTs {base}/self-serve/{branch}/builders/{builder}/{rev}. 4xx
// responses other than 408 and 429 wrap ErrRejected.
func (c *SelfServeClient) Trigger(ctx context.Context, builder, rev string) error {
	endpoint := fmt.Sprintf("%s/self-serve/%s/builders/%s/%s",
		c.baseURL, url.PathEscape(c.branch), url.PathEscape(builder), url.PathEscape(rev))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("self-serve returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return err
}
