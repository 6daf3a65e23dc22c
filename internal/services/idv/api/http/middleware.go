package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/platform/i18n/catalog"
	"github.com/louisbranch/idproof/internal/platform/requestctx"
	"github.com/louisbranch/idproof/internal/services/idv/mfa"
)

// LangParam overrides Accept-Language when present.
const LangParam = "lang"

// withLocale negotiates the response locale and stores it in the request
// context.
func withLocale(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested := strings.TrimSpace(r.URL.Query().Get(LangParam))
		if requested == "" {
			requested = r.Header.Get("Accept-Language")
		}
		locale := catalog.Default().Resolve(requested)
		w.Header().Set("Content-Language", locale)
		next.ServeHTTP(w, r.WithContext(requestctx.WithLocale(r.Context(), locale)))
	})
}

// BearerAuth verifies HS256 access tokens whose subject is the user ID.
type BearerAuth struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewBearerAuth builds a verifier. An empty issuer accepts any issuer.
func NewBearerAuth(secret []byte, issuer string) (*BearerAuth, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("auth secret must be at least 32 bytes")
	}
	return &BearerAuth{
		secret: append([]byte(nil), secret...),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}, nil
}

// accessClaims are the registered claims plus the user's second factors.
type accessClaims struct {
	jwt.RegisteredClaims
	MFA mfa.Claims `json:"mfa"`
}

// UserID validates token and returns its subject.
func (a *BearerAuth) UserID(token string) (string, error) {
	claims, err := a.parse(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (a *BearerAuth) parse(token string) (accessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return accessClaims{}, apperrors.Wrap(apperrors.CodeUnauthenticated, "access token is invalid", err)
	}
	claims.Subject = strings.TrimSpace(claims.Subject)
	if claims.Subject == "" {
		return accessClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "access token has no subject")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// user ID and second factors in the request context.
func (a *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, r, apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required"))
			return
		}
		claims, err := a.parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := requestctx.WithUserID(r.Context(), claims.Subject)
		ctx = withMFA(ctx, mfa.NewContext(claims.MFA.User(claims.Subject)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type mfaContextKey struct{}

func withMFA(ctx context.Context, factors mfa.Context) context.Context {
	return context.WithValue(ctx, mfaContextKey{}, factors)
}

// mfaFromContext returns the caller's second factors. Requests that did not
// pass bearer auth have none.
func mfaFromContext(ctx context.Context) mfa.Context {
	factors, ok := ctx.Value(mfaContextKey{}).(mfa.Context)
	if !ok {
		return mfa.NewContext(nil)
	}
	return factors
}
