package mfa

import (
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/go-cmp/cmp"
)

func TestNilUserHasOnlyDisabledSingletons(t *testing.T) {
	ctx := NewContext(nil)
	configs := ctx.TwoFactorConfigurations()
	if len(configs) != 2 {
		t.Fatalf("configurations = %d, want 2", len(configs))
	}
	if ctx.EnabledCount() != 0 {
		t.Fatalf("enabled count = %d, want 0", ctx.EnabledCount())
	}
	if diff := cmp.Diff(map[string]int{}, ctx.EnabledCountsByName()); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestEnabledCounts(t *testing.T) {
	used := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	user := &User{
		ID: "user-1",
		Phones: []PhoneConfiguration{
			{Phone: "+15555550100"},
			{Phone: "+15555550101"},
			{Phone: " "},
		},
		WebAuthn: []WebAuthnConfiguration{
			{Name: "key", Credential: webauthn.Credential{ID: []byte("cred"), PublicKey: []byte("pk")}},
			{Name: "broken"},
		},
		BackupCodes: []BackupCodeConfiguration{
			{CodeFingerprint: "a"},
			{CodeFingerprint: "b", UsedAt: &used},
		},
		AuthAppSecretSet: true,
	}
	ctx := NewContext(user)

	if got := len(ctx.BackupCodeConfigurations()); got != 1 {
		t.Fatalf("unused backup codes = %d, want 1", got)
	}
	if got := len(ctx.TwoFactorConfigurations()); got != 8 {
		t.Fatalf("configurations = %d, want 8", got)
	}
	if got := ctx.EnabledCount(); got != 5 {
		t.Fatalf("enabled count = %d, want 5", got)
	}
	want := map[string]int{"phone": 2, "webauthn": 1, "backup_codes": 1, "auth_app": 1}
	if diff := cmp.Diff(want, ctx.EnabledCountsByName()); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestPIVCACEnabled(t *testing.T) {
	ctx := NewContext(&User{PIVCACIdentifier: "x509-dn"})
	if !ctx.PIVCACConfiguration().MFAEnabled() {
		t.Fatal("expected piv/cac to be enabled")
	}
	if ctx.EnabledCountsByName()["piv_cac"] != 1 {
		t.Fatalf("counts = %v", ctx.EnabledCountsByName())
	}
}

func TestClaimsUser(t *testing.T) {
	claims := Claims{
		Phones:      []string{"+15555550100"},
		WebAuthn:    []webauthn.Credential{{ID: []byte("cred"), PublicKey: []byte("pk")}},
		BackupCodes: []string{"a", "b"},
	}
	ctx := NewContext(claims.User("user-1"))
	want := map[string]int{"phone": 1, "webauthn": 1, "backup_codes": 2}
	if diff := cmp.Diff(want, ctx.EnabledCountsByName()); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
	if got := ctx.WebAuthnConfigurations()[0].Name; got != "key-1" {
		t.Fatalf("webauthn name = %q, want %q", got, "key-1")
	}
	if got := NewContext(Claims{}.User("user-1")).EnabledCount(); got != 0 {
		t.Fatalf("empty claims enabled count = %d, want 0", got)
	}
}
