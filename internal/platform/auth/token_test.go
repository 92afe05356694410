package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("test-secret-key-for-realtime")

func signToken(t *testing.T, key []byte, method jwt.SigningMethod, claims *Claims) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: "doctor",
	}
}

func TestVerifier_ValidToken(t *testing.T) {
	v := NewVerifier(TokenConfig{SigningKey: testKey})
	tok := signToken(t, testKey, jwt.SigningMethodHS256, validClaims("doc-1"))

	sub, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if sub != "doc-1" {
		t.Errorf("expected subject doc-1, got %q", sub)
	}

	claims, err := v.Parse(tok)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if claims.Role != "doctor" {
		t.Errorf("expected role doctor, got %q", claims.Role)
	}
}

func TestVerifier_MissingToken(t *testing.T) {
	_, err := NewVerifier(TokenConfig{SigningKey: testKey}).Verify("")
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestVerifier_ExpiredToken(t *testing.T) {
	claims := validClaims("doc-1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tok := signToken(t, testKey, jwt.SigningMethodHS256, claims)

	if _, err := NewVerifier(TokenConfig{SigningKey: testKey}).Verify(tok); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifier_NoExpiry(t *testing.T) {
	claims := validClaims("doc-1")
	claims.ExpiresAt = nil
	tok := signToken(t, testKey, jwt.SigningMethodHS256, claims)

	if _, err := NewVerifier(TokenConfig{SigningKey: testKey}).Verify(tok); err == nil {
		t.Fatal("expected token without exp to be rejected")
	}
}

func TestVerifier_WrongKey(t *testing.T) {
	tok := signToken(t, []byte("other-key"), jwt.SigningMethodHS256, validClaims("doc-1"))

	if _, err := NewVerifier(TokenConfig{SigningKey: testKey}).Verify(tok); err == nil {
		t.Fatal("expected token signed with another key to be rejected")
	}
}

func TestVerifier_WrongMethod(t *testing.T) {
	tok := signToken(t, testKey, jwt.SigningMethodHS512, validClaims("doc-1"))

	if _, err := NewVerifier(TokenConfig{SigningKey: testKey}).Verify(tok); err == nil {
		t.Fatal("expected HS512 token to be rejected")
	}
}

func TestVerifier_IssuerAndAudience(t *testing.T) {
	v := NewVerifier(TokenConfig{SigningKey: testKey, Issuer: "medconnect-auth", Audience: "realtime"})

	claims := validClaims("pat-1")
	claims.Issuer = "medconnect-auth"
	claims.Audience = jwt.ClaimStrings{"realtime"}
	if _, err := v.Verify(signToken(t, testKey, jwt.SigningMethodHS256, claims)); err != nil {
		t.Fatalf("expected matching issuer/audience to pass: %v", err)
	}

	claims.Issuer = "someone-else"
	if _, err := v.Verify(signToken(t, testKey, jwt.SigningMethodHS256, claims)); err == nil {
		t.Fatal("expected wrong issuer to be rejected")
	}
}

func TestVerifier_MissingSubject(t *testing.T) {
	tok := signToken(t, testKey, jwt.SigningMethodHS256, validClaims(""))

	if _, err := NewVerifier(TokenConfig{SigningKey: testKey}).Verify(tok); err == nil {
		t.Fatal("expected token without subject to be rejected")
	}
}
