package adapter

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/tracing"
)

// Transport performs one request against an external service.
type Transport interface {
	Do(ctx context.Context, operation string, body []byte) ([]byte, error)
}

const maxResponseBytes = 1 << 20

// HTTPTransport posts JSON operation requests to a service base URL.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTransport builds the default transport. The client timeout is a
// hard backstop; per-attempt deadlines come from the adapter.
func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Do posts the body to {baseURL}/{operation} and classifies the outcome:
// connection errors, 408, 429 and 5xx are transient; any other non-2xx
// status is a rejection the caller must not retry.
func (t *HTTPTransport) Do(ctx context.Context, operation string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+operation, bytes.NewReader(body))
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeInvalidParam, "create request %s: %v", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("X-Internal-Token", t.token)
	}
	tracing.InjectHTTP(ctx, req)

	resp, err := t.client.Do(req)
	if err != nil {
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			return nil, apierrors.Newf(apierrors.CodeTimeout, "%s: %v", operation, err)
		case stderrors.Is(err, context.Canceled):
			return nil, apierrors.Newf(apierrors.CodeCanceled, "%s: %v", operation, err)
		default:
			return nil, apierrors.Newf(apierrors.CodeTransient, "%s: %v", operation, err)
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeTransient, "%s: read response: %v", operation, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, apierrors.Newf(apierrors.CodeTransient, "%s: status %d: %s", operation, resp.StatusCode, snippet(respBody))
	default:
		return nil, apierrors.Newf(apierrors.CodeRemoteRejected, "%s: status %d: %s", operation, resp.StatusCode, snippet(respBody))
	}
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
