package auth

import (
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "parley-auth",
		Audience:      "parley-api",
		TokenTTL:      15 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer := newTestIssuer(nil)

	token, expiresIn, err := issuer.IssueToken("user-42")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	subject, err := issuer.ValidateCredential(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != "user-42" {
		t.Fatalf("expected subject user-42, got %s", subject)
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueToken(""); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

func TestValidateCredentialRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Unix(1750000000, 0).UTC()
	current := issuedAt
	issuer := newTestIssuer(func() time.Time { return current })

	token, _, err := issuer.IssueToken("user-42")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	current = issuedAt.Add(16 * time.Minute)
	if _, err := issuer.ValidateCredential(token); err == nil {
		t.Fatalf("expected expired token to fail validation")
	}
}

func TestValidateCredentialRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(nil)
	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "parley-auth",
		Audience:      "parley-api",
	})

	token, _, err := foreign.IssueToken("user-42")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateCredential(token); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}
}
