package requestctx

import (
	"context"
	"testing"
)

func TestUserIDFromContextRoundTrip(t *testing.T) {
	ctx := WithUserID(context.Background(), "user-42")
	if got := UserIDFromContext(ctx); got != "user-42" {
		t.Fatalf("UserIDFromContext = %q, want %q", got, "user-42")
	}
}

func TestFromContextEmpty(t *testing.T) {
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty user, got %q", got)
	}
	if got := LocaleFromContext(nil); got != "" {
		t.Fatalf("expected empty locale for nil context, got %q", got)
	}
}

func TestLocaleAndUserCoexist(t *testing.T) {
	ctx := WithLocale(WithUserID(nil, "user-99"), "es")
	if got := UserIDFromContext(ctx); got != "user-99" {
		t.Fatalf("UserIDFromContext = %q, want %q", got, "user-99")
	}
	if got := LocaleFromContext(ctx); got != "es" {
		t.Fatalf("LocaleFromContext = %q, want %q", got, "es")
	}
}
