package upload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
)

// URLSigner hands out the upload target for one field of a capture session.
type URLSigner interface {
	SignUploadURL(ctx context.Context, sessionUUID, field string) (string, error)
}

// Claims are carried by upload tokens.
type Claims struct {
	SessionUUID string `json:"sid"`
	Field       string `json:"fld"`
	jwt.RegisteredClaims
}

// TokenSigner issues HS256 upload tokens addressed to the built-in receiver.
type TokenSigner struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenSigner builds a signer that targets baseURL + "/api/uploads/{token}".
func NewTokenSigner(secret []byte, baseURL string, ttl time.Duration) (*TokenSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("upload token secret must be at least 32 bytes")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("upload base url must be absolute: %q", baseURL)
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenSigner{
		secret:  append([]byte(nil), secret...),
		baseURL: baseURL,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// SignUploadURL implements URLSigner.
func (s *TokenSigner) SignUploadURL(_ context.Context, sessionUUID, field string) (string, error) {
	token, err := s.Issue(sessionUUID, field)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/api/uploads/" + token, nil
}

// Issue returns a signed token for one field upload.
func (s *TokenSigner) Issue(sessionUUID, field string) (string, error) {
	sessionUUID = strings.TrimSpace(sessionUUID)
	field = strings.TrimSpace(field)
	if sessionUUID == "" || field == "" {
		return "", errors.New("session uuid and field are required")
	}
	now := s.now()
	claims := Claims{
		SessionUUID: sessionUUID,
		Field:       field,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign upload token: %w", err)
	}
	return signed, nil
}

// Parse validates a token and returns its claims.
func (s *TokenSigner) Parse(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, apperrors.Wrap(apperrors.CodeUploadTokenInvalid, "upload token is invalid", err)
	}
	if claims.SessionUUID == "" || claims.Field == "" {
		return Claims{}, apperrors.New(apperrors.CodeUploadTokenInvalid, "upload token is missing claims")
	}
	return claims, nil
}

// Verify checks the token signature without enforcing expiry. The worker
// uses it to locate uploads that were accepted while the token was live.
func (s *TokenSigner) Verify(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, apperrors.Wrap(apperrors.CodeUploadTokenInvalid, "upload token is invalid", err)
	}
	if claims.SessionUUID == "" || claims.Field == "" {
		return Claims{}, apperrors.New(apperrors.CodeUploadTokenInvalid, "upload token is missing claims")
	}
	return claims, nil
}

// TokenFromURL extracts the token from a receiver URL.
func TokenFromURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeImageReferenceInvalid, "parse upload url", err)
	}
	const marker = "/api/uploads/"
	idx := strings.LastIndex(u.Path, marker)
	if idx < 0 {
		return "", apperrors.New(apperrors.CodeImageReferenceInvalid, "upload url has no token")
	}
	token := strings.Trim(u.Path[idx+len(marker):], "/")
	if token == "" {
		return "", apperrors.New(apperrors.CodeImageReferenceInvalid, "upload url has no token")
	}
	return token, nil
}

// S3Config selects the bucket behind S3Presigner.
type S3Config struct {
	Bucket   string        `env:"UPLOAD_S3_BUCKET"`
	Region   string        `env:"UPLOAD_S3_REGION" envDefault:"us-west-2"`
	Prefix   string        `env:"UPLOAD_S3_PREFIX" envDefault:"idv"`
	Endpoint string        `env:"UPLOAD_S3_ENDPOINT"`
	TTL      time.Duration `env:"UPLOAD_S3_URL_TTL" envDefault:"15m"`
}

// Presigner is the subset of s3.PresignClient used here.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// ObjectGetter is the subset of s3.Client used to read uploads back.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Presigner issues presigned PUT URLs for a bucket.
type S3Presigner struct {
	presigner Presigner
	bucket    string
	prefix    string
	ttl       time.Duration
}

// NewS3Clients loads AWS configuration and returns the presign and object
// clients for cfg. A custom endpoint switches to path-style addressing.
func NewS3Clients(ctx context.Context, cfg S3Config) (*s3.PresignClient, *s3.Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, nil, errors.New("upload s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return s3.NewPresignClient(client), client, nil
}

// NewS3Presigner builds a URLSigner over presigner.
func NewS3Presigner(presigner Presigner, cfg S3Config) (*S3Presigner, error) {
	if presigner == nil {
		return nil, errors.New("s3 presigner is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("upload s3 bucket is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Presigner{presigner: presigner, bucket: cfg.Bucket, prefix: cfg.Prefix, ttl: ttl}, nil
}

// ObjectKey returns the bucket key for a session field.
func ObjectKey(prefix, sessionUUID, field string) string {
	return path.Join(strings.Trim(prefix, "/"), sessionUUID, field)
}

// SignUploadURL implements URLSigner.
func (p *S3Presigner) SignUploadURL(ctx context.Context, sessionUUID, field string) (string, error) {
	sessionUUID = strings.TrimSpace(sessionUUID)
	field = strings.TrimSpace(field)
	if sessionUUID == "" || field == "" {
		return "", errors.New("session uuid and field are required")
	}
	req, err := p.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(ObjectKey(p.prefix, sessionUUID, field)),
		ContentType: aws.String("application/octet-stream"),
	}, func(o *s3.PresignOptions) { o.Expires = p.ttl })
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return req.URL, nil
}

var (
	_ URLSigner = (*TokenSigner)(nil)
	_ URLSigner = (*S3Presigner)(nil)
)
