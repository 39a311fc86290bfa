package refresh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes bounds how much of a token endpoint response is read.
const maxResponseBytes = 1 << 20

// Response is a successful (2xx) reply from the token endpoint.
type Response struct {
	Data       []byte
	Status     int
	StatusText string
	Header     http.Header
}

// HTTPError is returned by an HTTPTransport for a non-2xx reply. Any other
// error from Post means no response was received.
type HTTPError struct {
	Status     int
	StatusText string
	Data       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("token endpoint returned %d %s", e.Status, e.StatusText)
}

// HTTPTransport posts a form to the token endpoint.
type HTTPTransport interface {
	Post(ctx context.Context, endpoint string, form url.Values) (*Response, error)
}

// NetHTTPTransport is the net/http implementation of HTTPTransport.
type NetHTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport wraps client. A nil client gets a 30 second timeout.
func NewHTTPTransport(client *http.Client) *NetHTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &NetHTTPTransport{client: client}
}

// Post sends form as application/x-www-form-urlencoded.
func (t *NetHTTPTransport) Post(ctx context.Context, endpoint string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Data:       body,
		}
	}

	return &Response{
		Data:       body,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     resp.Header,
	}, nil
}
