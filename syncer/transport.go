package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport moves records between the local replica and the remote
// authority. Implementations must be safe for use by one sync at a time;
// the engine's single-flight guarantee means they are never called
// concurrently for the same store.
type Transport interface {
	Push(ctx context.Context, table string, records []WireRecord) ([]PushStatus, error)
	Pull(ctx context.Context, table string, afterMs int64, limit int) (PullPage, error)
}

// StatusError reports a non-2xx response from the remote authority. Client
// errors other than timeouts and throttling are permanent: retrying a
// rejected credential or a malformed request only burns the backoff budget.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: server returned status %d: %s", e.Op, e.Code, e.Body)
}

// Temporary reports whether a retry could plausibly succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 400 && e.Code < 500:
		return false
	default:
		return true
	}
}

// HTTPTransport talks to the remote authority over JSON/HTTP with a Bearer
// credential. Token is called per request so short-lived credentials can be
// refreshed by the caller.
type HTTPTransport struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPTransport builds a transport for baseURL using the given credential
// source.
func NewHTTPTransport(baseURL string, token func(ctx context.Context) (string, error)) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Push implements Transport.
func (t *HTTPTransport) Push(ctx context.Context, table string, records []WireRecord) ([]PushStatus, error) {
	body, err := json.Marshal(&PushRequest{Table: table, Records: records})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := t.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Op: "push", Code: resp.StatusCode, Body: string(b)}
	}

	var pushResp PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	if len(pushResp.Statuses) != len(records) {
		return nil, fmt.Errorf("push: status count mismatch: sent %d records, got %d statuses",
			len(records), len(pushResp.Statuses))
	}
	return pushResp.Statuses, nil
}

// Pull implements Transport.
func (t *HTTPTransport) Pull(ctx context.Context, table string, afterMs int64, limit int) (PullPage, error) {
	url := fmt.Sprintf("%s/sync/pull?table=%s&after=%d&limit=%d", t.BaseURL, table, afterMs, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PullPage{}, fmt.Errorf("failed to create pull request: %w", err)
	}
	if err := t.authorize(ctx, req); err != nil {
		return PullPage{}, err
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return PullPage{}, fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return PullPage{}, &StatusError{Op: "pull", Code: resp.StatusCode, Body: string(b)}
	}

	var page PullPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return PullPage{}, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return page, nil
}

func (t *HTTPTransport) authorize(ctx context.Context, req *http.Request) error {
	token, err := t.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
