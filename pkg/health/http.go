package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes a Ship's HTTP health endpoint.
type HTTPChecker struct {
	// URL is the full HTTP URL to check, e.g. "http://10.0.0.5:7000/health".
	URL string

	// ExpectedStatusMin is the minimum acceptable HTTP status (default 200).
	ExpectedStatusMin int

	// ExpectedStatusMax is the maximum acceptable HTTP status (default 399).
	ExpectedStatusMax int

	Client *http.Client
}

// NewHTTPChecker creates an HTTP checker against url with a default
// 200-399 status range and a 5s client timeout.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// WithStatusRange overrides the accepted status code range.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.ExpectedStatusMin = min
	h.ExpectedStatusMax = max
	return h
}

// WithTimeout overrides the HTTP client timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("failed to create request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}

	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

func (h *HTTPChecker) Type() CheckType { return CheckTypeHTTP }
