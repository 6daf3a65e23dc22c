package documentcapture

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/services/idv/quality"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
)

// Session is a capture session opened on the verification API.
type Session struct {
	UUID          string             `json:"document_capture_session_uuid"`
	EncryptionKey string             `json:"encryption_key"`
	UploadURLs    map[string]string  `json:"upload_urls"`
	Quality       quality.Thresholds `json:"quality"`
}

// OpenSession creates a capture session for the bearer's user.
func OpenSession(ctx context.Context, client *http.Client, baseURL, bearer string) (Session, error) {
	api, err := newAPIClient(client, baseURL, bearer)
	if err != nil {
		return Session{}, err
	}
	var session Session
	status, err := api.do(ctx, http.MethodPost, SessionsPath, nil, &session)
	if err != nil {
		return Session{}, fmt.Errorf("open capture session: %w", err)
	}
	switch {
	case status == http.StatusUnauthorized:
		return Session{}, apperrors.New(apperrors.CodeUnauthenticated, "capture session requires a valid bearer token")
	case status/100 != 2:
		return Session{}, fmt.Errorf("open capture session: status %d", status)
	case strings.TrimSpace(session.UUID) == "" || len(session.UploadURLs) == 0:
		return Session{}, fmt.Errorf("open capture session: incomplete response")
	}
	return session, nil
}

// NewSessionFlow builds a flow bound to session. Image values are encrypted
// with the session key and uploaded to its upload URLs while the user moves
// on; the finished form is submitted to the verification API and the
// resolution result is polled from it. The session's quality thresholds
// apply unless opts.Capture sets its own.
func NewSessionFlow(ctx context.Context, session Session, client *http.Client, baseURL, bearer string, opts Options) (*Flow, error) {
	key, err := upload.DecodeKey(session.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	transport := upload.NewHTTPTransport(client, upload.WithMethod(http.MethodPut))
	pipeline, err := upload.NewPipeline(ctx, key, session.UploadURLs, transport)
	if err != nil {
		return nil, err
	}
	submitter, err := NewHTTPSubmitter(client, baseURL, session.UUID, bearer)
	if err != nil {
		return nil, err
	}

	opts.Submitter = submitter
	opts.Poller = submitter
	opts.AsyncPolling = true
	opts.Uploads = pipeline
	base := Payload{"encryption_key": session.EncryptionKey}
	for k, v := range opts.Base {
		base[k] = v
	}
	opts.Base = base
	if opts.Capture.Thresholds == (quality.Thresholds{}) {
		opts.Capture.Thresholds = session.Quality
	}
	return NewFlow(opts)
}
