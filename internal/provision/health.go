package provision

import (
	"context"
	"io"
	"net/http"
	"time"
)

// HealthChecker issues an application-level health request.
type HealthChecker interface {
	GetHealth(ctx context.Context, url string) (int, error)
}

// HTTPHealthChecker checks with a plain GET.
type HTTPHealthChecker struct {
	client *http.Client
}

// NewHTTPHealthChecker returns a checker whose requests time out after timeout.
func NewHTTPHealthChecker(timeout time.Duration) *HTTPHealthChecker {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPHealthChecker{client: &http.Client{Timeout: timeout}}
}

// GetHealth returns the response status code.
func (p *HTTPHealthChecker) GetHealth(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}
