package upload

import (
	"context"
	"fmt"
	"io"
	"strings"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/services/idv/formsteps"
)

// IVSuffix is appended to a field name for the key carrying its base64 IV.
const IVSuffix = "_image_iv"

// Transport posts an encrypted payload to an upload target.
type Transport interface {
	Post(ctx context.Context, url string, body []byte) error
}

// Reference is what a background upload resolves to.
type Reference struct {
	URL string
	IV  []byte
}

type byteser interface {
	Bytes() []byte
}

// Pipeline diverts configured fields through encrypted background uploads.
type Pipeline struct {
	ctx       context.Context
	key       []byte
	urls      map[string]string
	transport Transport
	random    io.Reader
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithRandom overrides the IV source.
func WithRandom(r io.Reader) PipelineOption {
	return func(p *Pipeline) {
		p.random = r
	}
}

// NewPipeline builds a pipeline over field→URL targets. Uploads run under
// ctx and are not tied to the lifetime of any single step.
func NewPipeline(ctx context.Context, key []byte, urls map[string]string, transport Transport, opts ...PipelineOption) (*Pipeline, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes", KeySize)
	}
	if transport == nil {
		return nil, fmt.Errorf("upload transport is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	copied := make(map[string]string, len(urls))
	for field, url := range urls {
		if url = strings.TrimSpace(url); url != "" {
			copied[field] = url
		}
	}
	p := &Pipeline{
		ctx:       ctx,
		key:       append([]byte(nil), key...),
		urls:      copied,
		transport: transport,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Wrap rewrites patch so that every configured field holding binary data is
// replaced by a pending Reference and gains a companion IV entry. A cleared
// field clears its IV entry too. The cleartext never appears in the returned
// patch.
func (p *Pipeline) Wrap(patch formsteps.Patch) (formsteps.Patch, error) {
	out := make(formsteps.Patch, len(patch))
	for field, value := range patch {
		out[field] = value
		url, ok := p.urls[field]
		if !ok {
			continue
		}
		data := binaryData(value)
		if len(data) == 0 {
			if value.Empty() {
				out[field+IVSuffix] = formsteps.Absent()
			}
			continue
		}
		iv, err := NewIV(p.random)
		if err != nil {
			return nil, err
		}
		out[field+IVSuffix] = formsteps.Present(EncodeIV(iv))
		out[field] = formsteps.PendingValue(p.start(url, iv, data))
	}
	return out, nil
}

func (p *Pipeline) start(url string, iv, data []byte) *formsteps.Pending {
	key := p.key
	plaintext := append([]byte(nil), data...)
	return formsteps.Go(func() (any, error) {
		ciphertext, err := Encrypt(key, iv, plaintext)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUploadTransportFailure, "encrypt upload", err)
		}
		if err := p.transport.Post(p.ctx, url, ciphertext); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUploadTransportFailure, "post upload", err)
		}
		return Reference{URL: url, IV: iv}, nil
	})
}

func binaryData(value formsteps.Value) []byte {
	if value.Kind() != formsteps.KindPresent {
		return nil
	}
	switch data := value.Data().(type) {
	case []byte:
		return data
	case string:
		return []byte(data)
	case byteser:
		return data.Bytes()
	default:
		return nil
	}
}
