package resolution

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/services/idv/pii"
)

// Images are the decrypted document images of one submission.
type Images struct {
	Front  []byte
	Back   []byte
	Selfie []byte
}

// DocumentAuthenticator is the document-authentication vendor.
type DocumentAuthenticator interface {
	Authenticate(ctx context.Context, images Images) (pii.Document, error)
}

// ResolveOptions tune one identity resolution call.
type ResolveOptions struct {
	ShouldProofStateID bool
}

// Result is the outcome stored on the capture session.
type Result struct {
	Success        bool                `json:"success"`
	Errors         map[string][]string `json:"errors,omitempty"`
	StateIDProofed bool                `json:"state_id_proofed"`
	Vendor         string              `json:"vendor,omitempty"`
	CompletedAt    time.Time           `json:"completed_at"`
}

// Resolver is the identity resolution vendor.
type Resolver interface {
	Resolve(ctx context.Context, document pii.Document, opts ResolveOptions) (Result, error)
}

// MockDocumentAuthenticator returns a fixed document for any non-empty
// front and back images.
type MockDocumentAuthenticator struct {
	Document pii.Document
}

// NewMockDocumentAuthenticator returns an authenticator with a sample
// document.
func NewMockDocumentAuthenticator() *MockDocumentAuthenticator {
	return &MockDocumentAuthenticator{Document: pii.Document{
		FirstName:           "FAKEY",
		MiddleName:          "Q",
		LastName:            "MCFAKERSON",
		DOB:                 "1938-10-06",
		Address1:            "1 FAKE RD",
		City:                "GREAT FALLS",
		State:               "MT",
		Zipcode:             "59010",
		StateIDNumber:       "1111111111111",
		StateIDJurisdiction: "ND",
		StateIDType:         "drivers_license",
	}}
}

// Authenticate implements DocumentAuthenticator.
func (m *MockDocumentAuthenticator) Authenticate(ctx context.Context, images Images) (pii.Document, error) {
	if err := ctx.Err(); err != nil {
		return pii.Document{}, err
	}
	if len(images.Front) == 0 || len(images.Back) == 0 {
		return pii.Document{}, apperrors.New(apperrors.CodeDocumentAuthenticationBad, "front and back images are required")
	}
	return m.Document, nil
}

// MockResolver passes every document whose last name is not "FAILURE".
type MockResolver struct {
	now func() time.Time
}

// NewMockResolver returns a development resolver.
func NewMockResolver() *MockResolver {
	return &MockResolver{now: func() time.Time { return time.Now().UTC() }}
}

// Resolve implements Resolver.
func (m *MockResolver) Resolve(ctx context.Context, document pii.Document, opts ResolveOptions) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := document.Validate(); err != nil {
		return Result{}, fmt.Errorf("resolve: %w", err)
	}
	result := Result{
		Success:        true,
		StateIDProofed: opts.ShouldProofStateID,
		Vendor:         "mock",
		CompletedAt:    m.now(),
	}
	if strings.EqualFold(document.LastName, "FAILURE") {
		result.Success = false
		result.Errors = map[string][]string{"last_name": {"identity could not be resolved"}}
	}
	return result, nil
}

var (
	_ DocumentAuthenticator = (*MockDocumentAuthenticator)(nil)
	_ Resolver              = (*MockResolver)(nil)
)
