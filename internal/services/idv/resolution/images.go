package resolution

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
)

// maxImageBytes bounds a single encrypted image read back for resolution.
const maxImageBytes = 16 << 20

// ImageReader fetches the ciphertext behind an image reference.
type ImageReader interface {
	ReadImage(ctx context.Context, ref storage.ImageReference) ([]byte, error)
}

// TokenVerifier recovers upload claims from a receiver token.
type TokenVerifier interface {
	Verify(token string) (upload.Claims, error)
}

// UploadGetter reads uploads stored by the built-in receiver.
type UploadGetter interface {
	GetUpload(ctx context.Context, sessionUUID, field string) (storage.Upload, error)
}

// StoreImageReader reads uploads accepted by the built-in receiver.
type StoreImageReader struct {
	uploads UploadGetter
	tokens  TokenVerifier
}

// NewStoreImageReader builds a reader over the upload store.
func NewStoreImageReader(uploads UploadGetter, tokens TokenVerifier) (*StoreImageReader, error) {
	if uploads == nil {
		return nil, fmt.Errorf("upload store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token verifier is required")
	}
	return &StoreImageReader{uploads: uploads, tokens: tokens}, nil
}

// ReadImage implements ImageReader.
func (r *StoreImageReader) ReadImage(ctx context.Context, ref storage.ImageReference) ([]byte, error) {
	token, err := upload.TokenFromURL(ref.URL)
	if err != nil {
		return nil, err
	}
	claims, err := r.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	stored, err := r.uploads.GetUpload(ctx, claims.SessionUUID, claims.Field)
	if err != nil {
		return nil, fmt.Errorf("get upload %s/%s: %w", claims.SessionUUID, claims.Field, err)
	}
	return stored.Ciphertext, nil
}

// S3ImageReader reads uploads written to a bucket through presigned URLs.
type S3ImageReader struct {
	getter upload.ObjectGetter
	bucket string
}

// NewS3ImageReader builds a reader for bucket.
func NewS3ImageReader(getter upload.ObjectGetter, bucket string) (*S3ImageReader, error) {
	if getter == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &S3ImageReader{getter: getter, bucket: bucket}, nil
}

// ReadImage implements ImageReader. Both virtual-hosted and path-style
// object URLs are accepted.
func (r *S3ImageReader) ReadImage(ctx context.Context, ref storage.ImageReference) ([]byte, error) {
	key, err := r.objectKey(ref.URL)
	if err != nil {
		return nil, err
	}
	out, err := r.getter.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(io.LimitReader(out.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	if len(data) > maxImageBytes {
		return nil, apperrors.New(apperrors.CodeUploadPayloadTooLarge, "object exceeds image size limit")
	}
	return data, nil
}

func (r *S3ImageReader) objectKey(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", apperrors.New(apperrors.CodeImageReferenceInvalid, "image url is not absolute")
	}
	key := strings.TrimPrefix(u.Path, "/")
	if !strings.HasPrefix(u.Host, r.bucket+".") {
		key = strings.TrimPrefix(key, r.bucket+"/")
	}
	if key == "" {
		return "", apperrors.New(apperrors.CodeImageReferenceInvalid, "image url has no object key")
	}
	return key, nil
}

var (
	_ ImageReader = (*StoreImageReader)(nil)
	_ ImageReader = (*S3ImageReader)(nil)
)
