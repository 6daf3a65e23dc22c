package documentcapture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/louisbranch/idproof/internal/platform/timeouts"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Endpoint paths on the verification API.
const (
	ImagesPath   = "/api/verify/images"
	SessionsPath = "/api/verify/sessions"
)

// responseLimit caps how much of a response body is decoded.
const responseLimit = 1 << 20

type submitResponse struct {
	Success           bool                `json:"success"`
	Errors            map[string][]string `json:"errors"`
	RemainingAttempts *int                `json:"remaining_attempts"`
}

type statusResponse struct {
	Status string              `json:"status"`
	Errors map[string][]string `json:"errors"`
}

// apiClient sends JSON requests to the verification API.
type apiClient struct {
	client  *http.Client
	baseURL string
	bearer  string
	timeout time.Duration
}

func newAPIClient(client *http.Client, baseURL, bearer string) (*apiClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if client == nil {
		client = &http.Client{}
	}
	wrapped := *client
	base := wrapped.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped.Transport = otelhttp.NewTransport(base)
	return &apiClient{
		client:  &wrapped,
		baseURL: baseURL,
		bearer:  strings.TrimSpace(bearer),
		timeout: timeouts.SubmitRequest,
	}, nil
}

// HTTPSubmitter submits payloads to the verification API and polls session
// status. It implements both Submitter and Poller.
type HTTPSubmitter struct {
	api         *apiClient
	sessionUUID string
}

// NewHTTPSubmitter returns a submitter for one capture session. The bearer
// token authenticates submissions and status polls.
func NewHTTPSubmitter(client *http.Client, baseURL, sessionUUID, bearer string) (*HTTPSubmitter, error) {
	api, err := newAPIClient(client, baseURL, bearer)
	if err != nil {
		return nil, err
	}
	sessionUUID = strings.TrimSpace(sessionUUID)
	if sessionUUID == "" {
		return nil, fmt.Errorf("session UUID is required")
	}
	return &HTTPSubmitter{api: api, sessionUUID: sessionUUID}, nil
}

// Submit implements Submitter.
func (s *HTTPSubmitter) Submit(ctx context.Context, payload Payload) (SubmitResult, error) {
	body := make(map[string]any, len(payload)+1)
	for key, value := range payload {
		body[key] = value
	}
	body["document_capture_session_uuid"] = s.sessionUUID
	encoded, err := json.Marshal(body)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode payload: %w", err)
	}

	var decoded submitResponse
	status, err := s.api.do(ctx, http.MethodPost, ImagesPath, encoded, &decoded)
	if err != nil {
		return SubmitResult{}, unknownSubmissionFailure(err)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return SubmitResult{}, ErrThrottled
	case status == http.StatusBadRequest && len(decoded.Errors) > 0:
		return SubmitResult{}, &UploadFormEntriesError{Entries: entriesFromErrors(decoded.Errors)}
	case status/100 != 2 || !decoded.Success:
		return SubmitResult{}, unknownSubmissionFailure(fmt.Errorf("verification returned status %d", status))
	}
	result := SubmitResult{}
	if decoded.RemainingAttempts != nil {
		result.RemainingAttempts = *decoded.RemainingAttempts
	}
	return result, nil
}

// Poll implements Poller.
func (s *HTTPSubmitter) Poll(ctx context.Context) (PollStatus, error) {
	var decoded statusResponse
	status, err := s.api.do(ctx, http.MethodGet, SessionsPath+"/"+url.PathEscape(s.sessionUUID), nil, &decoded)
	if err != nil {
		return PollStatus{}, unknownSubmissionFailure(err)
	}
	if status/100 != 2 {
		return PollStatus{}, unknownSubmissionFailure(fmt.Errorf("session status returned %d", status))
	}
	return PollStatus{Status: decoded.Status, Errors: decoded.Errors}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode/100 == 2 {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

var (
	_ Submitter = (*HTTPSubmitter)(nil)
	_ Poller    = (*HTTPSubmitter)(nil)
)
