// ABOUTME: Unit tests for token minting, verification, and password hashing.
// ABOUTME: Tests valid tokens, invalid tokens, expiry, and bcrypt round-trips.

package auth

import (
	"errors"
	"testing"
	"time"
)

func TestAuthenticator_ValidToken(t *testing.T) {
	a := New([]byte("test-secret-key-for-jwt-signing"))

	token, err := a.Generate("operator", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	operator, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if operator != "operator" {
		t.Errorf("Verify() = %q, want %q", operator, "operator")
	}
}

func TestAuthenticator_InvalidToken(t *testing.T) {
	a := New([]byte("test-secret-key-for-jwt-signing"))

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				other := New([]byte("different-secret"))
				token, _ := other.Generate("operator", time.Hour)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	a := New([]byte("test-secret-key-for-jwt-signing"))

	token, err := a.Generate("operator", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = a.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2-but-longer")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "hunter2-but-longer" {
		t.Fatal("hash equals the plaintext password")
	}

	if err := CheckPassword(hash, "hunter2-but-longer"); err != nil {
		t.Errorf("CheckPassword() with correct password = %v", err)
	}

	if err := CheckPassword(hash, "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("CheckPassword() with wrong password = %v, want ErrBadCredentials", err)
	}
}

func TestCheckPassword_MalformedHash(t *testing.T) {
	if err := CheckPassword("not-a-bcrypt-hash", "anything"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("CheckPassword() = %v, want ErrBadCredentials", err)
	}
}
