package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/louisbranch/idproof/internal/platform/timeouts"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPTransport posts payloads with an instrumented HTTP client.
type HTTPTransport struct {
	client  *http.Client
	timeout time.Duration
	method  string
}

// TransportOption customizes an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithMethod overrides the request method. Presigned S3 targets take PUT.
func WithMethod(method string) TransportOption {
	return func(t *HTTPTransport) {
		if method != "" {
			t.method = method
		}
	}
}

// NewHTTPTransport wraps client, or a default client, with otelhttp.
func NewHTTPTransport(client *http.Client, opts ...TransportOption) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	wrapped := *client
	base := wrapped.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped.Transport = otelhttp.NewTransport(base)
	t := &HTTPTransport{client: &wrapped, timeout: timeouts.UploadRequest, method: http.MethodPost}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Post implements Transport. Any 2xx status is success; the body is ignored.
func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, t.method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send upload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}
	return nil
}

var _ Transport = (*HTTPTransport)(nil)
