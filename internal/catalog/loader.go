package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

//go:generate mockgen -destination=mocks/mock_loader.go -package=mocks github.com/mattjoyce/tryextender/internal/catalog Loader

// Loader fetches a fresh catalog snapshot.
type Loader interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// FileLoader reads a YAML or JSON catalog from disk.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCatalogUnavailable, l.Path, err)
	}
	return Parse(data)
}

// HTTPLoader fetches a JSON catalog from a URL.
type HTTPLoader struct {
	URL        string
	httpClient *http.Client
}

// NewHTTPLoader creates a loader with a bounded request timeout.
func NewHTTPLoader(url string, timeout time.Duration) *HTTPLoader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPLoader{
		URL:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (l *HTTPLoader) Load(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrCatalogUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: execute request: %v", ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: catalog request failed with status %d", ErrCatalogUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrCatalogUnavailable, err)
	}
	return Parse(data)
}
