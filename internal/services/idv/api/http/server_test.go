package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/louisbranch/idproof/internal/services/idv/mfa"
	"github.com/louisbranch/idproof/internal/services/idv/quality"
	"github.com/louisbranch/idproof/internal/services/idv/resolution"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
	"github.com/louisbranch/idproof/internal/services/idv/storage/sqlite"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
	"github.com/louisbranch/idproof/internal/services/idv/verification"
	"golang.org/x/time/rate"
)

var (
	testMasterKey = bytes.Repeat([]byte("m"), 32)
	testAuthKey   = bytes.Repeat([]byte("a"), 32)
	testTokenKey  = bytes.Repeat([]byte("t"), 32)
)

type fakeVerifier struct {
	calls int
	last  verification.Request
	resp  verification.Response
	err   error
}

func (f *fakeVerifier) Submit(_ context.Context, req verification.Request) (verification.Response, error) {
	f.calls++
	f.last = req
	return f.resp, f.err
}

type harness struct {
	store    *sqlite.Store
	signer   *upload.TokenSigner
	verifier *fakeVerifier
	handler  http.Handler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "idv.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	signer, err := upload.NewTokenSigner(testTokenKey, "https://idp.test", time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	auth, err := NewBearerAuth(testAuthKey, "")
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	verifier := &fakeVerifier{resp: verification.Response{Success: true, Status: verification.StatusOK}}
	if cfg.UploadMasterKey == nil {
		cfg.UploadMasterKey = testMasterKey
	}
	s, err := newServer(Deps{
		Sessions: store,
		Uploads:  store,
		Verifier: verifier,
		Signer:   signer,
		Tokens:   signer,
		Auth:     auth,
		Health:   store.Ping,
	}, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	s.newUUID = func() string { return "session-1" }
	return &harness{store: store, signer: signer, verifier: verifier, handler: s.routes()}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	return bearerWithMFA(t, userID, mfa.Claims{})
}

func bearerWithMFA(t *testing.T, userID string, factors mfa.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		MFA: factors,
	}).SignedString(testAuthKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func (h *harness) do(t *testing.T, method, path, auth string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) seedSession(t *testing.T, uuid, userID string) {
	t.Helper()
	err := h.store.CreateCaptureSession(context.Background(), storage.CaptureSession{UUID: uuid, UserID: userID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func TestCreateSessionIssuesKeyAndUploadURLs(t *testing.T) {
	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodPost, "/api/verify/sessions", bearer(t, "user-1"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var got createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DocumentCaptureSessionUUID != "session-1" {
		t.Fatalf("uuid = %q, want %q", got.DocumentCaptureSessionUUID, "session-1")
	}
	wantKey, err := upload.DeriveSessionKey(testMasterKey, "session-1")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	if got.EncryptionKey != upload.EncodeKey(wantKey) {
		t.Fatalf("encryption key = %q, want %q", got.EncryptionKey, upload.EncodeKey(wantKey))
	}
	if len(got.UploadURLs) != 2 || got.UploadURLs["selfie"] != "" {
		t.Fatalf("upload urls = %v, want front and back only", got.UploadURLs)
	}
	for field, raw := range got.UploadURLs {
		token, err := upload.TokenFromURL(raw)
		if err != nil {
			t.Fatalf("token from %q: %v", raw, err)
		}
		claims, err := h.signer.Parse(token)
		if err != nil {
			t.Fatalf("parse token: %v", err)
		}
		if claims.SessionUUID != "session-1" || claims.Field != field {
			t.Fatalf("claims = %+v, want session-1/%s", claims, field)
		}
	}
	if got.Quality != quality.DefaultThresholds {
		t.Fatalf("quality = %+v, want %+v", got.Quality, quality.DefaultThresholds)
	}
	session, err := h.store.GetCaptureSession(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.UserID != "user-1" {
		t.Fatalf("user id = %q, want %q", session.UserID, "user-1")
	}
}

func TestCreateSessionRequiresEnabledSecondFactor(t *testing.T) {
	h := newHarness(t, Config{RequireMFA: true})

	rec := h.do(t, http.MethodPost, "/api/verify/sessions", bearer(t, "user-1"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusForbidden, rec.Body.String())
	}
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "MFA_REQUIRED" {
		t.Fatalf("error = %q, want %q", body.Error, "MFA_REQUIRED")
	}
	if _, err := h.store.GetCaptureSession(context.Background(), "session-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get session err = %v, want not found", err)
	}

	// A blank phone is not an enabled factor.
	rec = h.do(t, http.MethodPost, "/api/verify/sessions", bearerWithMFA(t, "user-1", mfa.Claims{Phones: []string{" "}}), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blank phone: status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = h.do(t, http.MethodPost, "/api/verify/sessions", bearerWithMFA(t, "user-1", mfa.Claims{Phones: []string{"+15555550100"}}), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
}

func TestCreateSessionIncludesSelfieWhenLivenessEnabled(t *testing.T) {
	h := newHarness(t, Config{LivenessCheckingEnabled: true})
	rec := h.do(t, http.MethodPost, "/api/verify/sessions", bearer(t, "user-1"), nil)
	var got createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UploadURLs["selfie"] == "" {
		t.Fatalf("upload urls = %v, want selfie target", got.UploadURLs)
	}
}

func TestVerifyRoutesRequireBearer(t *testing.T) {
	h := newHarness(t, Config{})
	for _, auth := range []string{"", "Bearer nope", "Basic abc"} {
		rec := h.do(t, http.MethodPost, "/api/verify/sessions", auth, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("auth %q: status = %d, want %d", auth, rec.Code, http.StatusUnauthorized)
		}
		var body errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Error != "UNAUTHENTICATED" {
			t.Fatalf("error = %q, want %q", body.Error, "UNAUTHENTICATED")
		}
	}
}

func TestSubmitImagesPassesThroughVerifierStatus(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedSession(t, "session-1", "user-1")
	remaining := 0
	h.verifier.resp = verification.Response{
		Status:            verification.StatusTooManyRequests,
		Errors:            map[string][]string{"limit": {"slow down"}},
		RemainingAttempts: &remaining,
	}
	body := []byte(`{"document_capture_session_uuid":"session-1","encryption_key":"k"}`)
	rec := h.do(t, http.MethodPost, "/api/verify/images", bearer(t, "user-1"), body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if h.verifier.last.EncryptionKey != "k" {
		t.Fatalf("encryption key = %q, want %q", h.verifier.last.EncryptionKey, "k")
	}
	var got verification.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(map[string][]string{"limit": {"slow down"}}, got.Errors); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitImagesHidesOtherUsersSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedSession(t, "session-1", "owner")
	body := []byte(`{"document_capture_session_uuid":"session-1"}`)
	rec := h.do(t, http.MethodPost, "/api/verify/images", bearer(t, "intruder"), body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if h.verifier.calls != 0 {
		t.Fatalf("verifier calls = %d, want 0", h.verifier.calls)
	}
}

func TestSubmitImagesRejectsMalformedJSON(t *testing.T) {
	h := newHarness(t, Config{})
	rec := h.do(t, http.MethodPost, "/api/verify/images", bearer(t, "user-1"), []byte("{"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSessionStatusReportsResult(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedSession(t, "session-1", "user-1")

	rec := h.do(t, http.MethodGet, "/api/verify/sessions/session-1", bearer(t, "user-1"), nil)
	var pending sessionStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pending.Status != "pending" {
		t.Fatalf("status = %q, want %q", pending.Status, "pending")
	}

	result, err := json.Marshal(resolution.Result{Errors: map[string][]string{"front_image_url": {"unreadable"}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := h.store.StoreCaptureResult(context.Background(), "session-1", storage.ResultFailure, result, time.Now()); err != nil {
		t.Fatalf("store result: %v", err)
	}
	rec = h.do(t, http.MethodGet, "/api/verify/sessions/session-1", bearer(t, "user-1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got sessionStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := sessionStatusResponse{Status: "failure", Errors: map[string][]string{"front_image_url": {"unreadable"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}

	rec = h.do(t, http.MethodGet, "/api/verify/sessions/session-1", bearer(t, "user-2"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("other user status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	rec = h.do(t, http.MethodGet, "/api/verify/sessions/missing", bearer(t, "user-1"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestUploadReceiverStoresCiphertext(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedSession(t, "session-1", "user-1")
	token, err := h.signer.Issue("session-1", "front")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec := h.do(t, http.MethodPost, "/api/uploads/"+token, "", []byte("ciphertext"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusNoContent, rec.Body.String())
	}
	got, err := h.store.GetUpload(context.Background(), "session-1", "front")
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	if string(got.Ciphertext) != "ciphertext" {
		t.Fatalf("ciphertext = %q, want %q", got.Ciphertext, "ciphertext")
	}
}

func TestUploadReceiverRejections(t *testing.T) {
	h := newHarness(t, Config{MaxUploadBytes: 4})
	h.seedSession(t, "session-1", "user-1")
	token, err := h.signer.Issue("session-1", "front")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "bad token", path: "/api/uploads/not-a-token", body: "abc", want: http.StatusUnauthorized},
		{name: "too large", path: "/api/uploads/" + token, body: "abcdefgh", want: http.StatusRequestEntityTooLarge},
		{name: "empty", path: "/api/uploads/" + token, body: "", want: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, tc.path, "", []byte(tc.body))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestUploadReceiverRateLimitsPerSession(t *testing.T) {
	h := newHarness(t, Config{UploadRate: rate.Every(time.Hour), UploadBurst: 1})
	h.seedSession(t, "session-1", "user-1")
	h.seedSession(t, "session-2", "user-2")
	first, err := h.signer.Issue("session-1", "front")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other, err := h.signer.Issue("session-2", "front")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if rec := h.do(t, http.MethodPost, "/api/uploads/"+first, "", []byte("a")); rec.Code != http.StatusNoContent {
		t.Fatalf("first status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	rec := h.do(t, http.MethodPost, "/api/uploads/"+first, "", []byte("b"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if !strings.Contains(rec.Body.String(), "a few seconds") {
		t.Fatalf("body = %s, want rendered window", rec.Body.String())
	}
	if rec := h.do(t, http.MethodPost, "/api/uploads/"+other, "", []byte("c")); rec.Code != http.StatusNoContent {
		t.Fatalf("other session status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestUploadReceiverUnknownSessionIsNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	token, err := h.signer.Issue("no-such-session", "front")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec := h.do(t, http.MethodPut, "/api/uploads/"+token, "", []byte("ciphertext"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusNotFound, rec.Body.String())
	}
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "NOT_FOUND" {
		t.Fatalf("error = %q, want %q", body.Error, "NOT_FOUND")
	}
}

func TestSessionLimitersSweepIdleBuckets(t *testing.T) {
	limiters := newSessionLimiters(rate.Every(time.Second), 2)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, session := range []string{"a", "b", "c"} {
		if !limiters.allow(session, start) {
			t.Fatalf("allow(%q) = false, want true", session)
		}
	}
	if got := limiters.size(); got != 3 {
		t.Fatalf("size = %d, want 3", got)
	}
	if !limiters.allow("b", start.Add(45*time.Second)) {
		t.Fatal("allow(b) = false, want true")
	}
	if !limiters.allow("d", start.Add(90*time.Second)) {
		t.Fatal("allow(d) = false, want true")
	}
	if got := limiters.size(); got != 2 {
		t.Fatalf("size after sweep = %d, want 2", got)
	}
}

func TestSessionLimitersIdleCoversRefill(t *testing.T) {
	tests := []struct {
		limit rate.Limit
		burst int
		want  time.Duration
	}{
		{rate.Every(time.Second), 2, minLimiterIdle},
		{rate.Every(time.Minute), 6, 6 * time.Minute},
		{rate.Every(time.Hour), 48, maxLimiterIdle},
		{rate.Inf, 1, minLimiterIdle},
	}
	for _, tc := range tests {
		if got := newSessionLimiters(tc.limit, tc.burst).idle; got != tc.want {
			t.Fatalf("idle(%v, %d) = %v, want %v", tc.limit, tc.burst, got, tc.want)
		}
	}
}

func TestLocaleNegotiation(t *testing.T) {
	h := newHarness(t, Config{})
	tests := []struct {
		name   string
		path   string
		header string
		want   string
	}{
		{name: "default", path: "/healthz", want: "en-US"},
		{name: "query", path: "/healthz?lang=es", header: "fr", want: "es"},
		{name: "header", path: "/healthz", header: "fr-CA,fr;q=0.9", want: "fr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Accept-Language", tc.header)
			}
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)
			if got := rec.Header().Get("Content-Language"); got != tc.want {
				t.Fatalf("Content-Language = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewHandlerValidatesDeps(t *testing.T) {
	if _, err := NewHandler(Deps{}, Config{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}
