package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const feed = "@FCX/tsDLpubCPKKfIrw4gc+SQkHcaD17s7GI6i/ziWY=.ed25519"

func TestIssueAndVerify(t *testing.T) {
	signer := NewSigner("secret", time.Hour)
	token, issued, err := signer.Issue(feed)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims != issued || claims.Feed != feed || !strings.HasPrefix(claims.JTI, "tok_") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	signer := NewSigner("secret", time.Minute)
	token, _, err := signer.Issue(feed)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := signer.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsForgery(t *testing.T) {
	token, _, _ := NewSigner("secret", time.Hour).Issue(feed)
	other := NewSigner("other", time.Hour)
	for _, candidate := range []string{token, "garbage", token + "x", ""} {
		if _, err := other.Verify(candidate); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q): expected ErrInvalidToken, got %v", candidate, err)
		}
	}
}

func TestIssueRequiresFeedID(t *testing.T) {
	if _, _, err := NewSigner("secret", time.Hour).Issue("not-a-feed"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
