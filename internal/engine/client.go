package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/calebhs/offgrid/internal/models"
)

// NetworkClient applies a single action remotely. A nil return means the
// remote accepted the mutation; any error routes through retry/backoff.
//
// The engine never guesses which failures are retryable from status codes
// alone: a client that knows a rejection is permanent wraps its error with
// Permanent (or implements `Permanent() bool`), and the engine moves the
// action straight to the failed set for a human decision.
type NetworkClient interface {
	Dispatch(ctx context.Context, a *models.Action) error
}

// permanenter is the classification hook checked via errors.As.
type permanenter interface {
	Permanent() bool
}

// PermanentError marks a dispatch failure as non-retryable.
type PermanentError struct {
	Err error
}

// Permanent wraps err as non-retryable.
func Permanent(err error) *PermanentError {
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Permanent() bool { return true }

// IsPermanent reports whether any error in the chain classifies itself as
// non-retryable.
func IsPermanent(err error) bool {
	var p permanenter
	return errors.As(err, &p) && p.Permanent()
}

// HTTPClient dispatches actions as JSON HTTP requests built from the
// action's endpoint, method, and payload. A 2xx response is success.
type HTTPClient struct {
	// BaseURL prefixes relative action endpoints.
	BaseURL string

	// Client is the underlying HTTP client; http.DefaultClient if nil.
	Client *http.Client

	// TreatClientErrorsPermanent controls whether 4xx responses (other than
	// 408 and 429, which are inherently retryable) are classified as
	// non-retryable. Off by default: rejections retry until exhaustion
	// unless the deployment opts in.
	TreatClientErrorsPermanent bool
}

var _ NetworkClient = (*HTTPClient)(nil)

// Dispatch performs the HTTP request for one action.
func (c *HTTPClient) Dispatch(ctx context.Context, a *models.Action) error {
	target, err := url.JoinPath(c.BaseURL, a.Endpoint)
	if err != nil {
		return Permanent(fmt.Errorf("invalid endpoint %q: %w", a.Endpoint, err))
	}

	req, err := http.NewRequestWithContext(ctx, a.Method, target, bytes.NewReader(a.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		// Network exceptions (timeout, reset) are transient.
		return fmt.Errorf("dispatch request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	dispatchErr := fmt.Errorf("remote returned %s", resp.Status)
	if c.TreatClientErrorsPermanent &&
		resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout &&
		resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(dispatchErr)
	}
	return dispatchErr
}

// DefaultHTTPClient returns an HTTPClient with a bounded request timeout.
func DefaultHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}
