package crypto

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("operator-pass", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	tests := []struct {
		name     string
		password string
		hash     string
		wantErr  error
	}{
		{"match", "operator-pass", hash, nil},
		{"mismatch", "wrong", hash, ErrPasswordMismatch},
		{"empty password", "", hash, ErrEmptyPassword},
		{"empty hash", "operator-pass", "", ErrInvalidHash},
		{"garbage hash", "operator-pass", "not-a-hash", ErrInvalidHash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPassword(tt.password, tt.hash)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyPassword() error = %v, want %v", err, tt.wantErr)
			}
			if CheckPasswordMatch(tt.password, tt.hash) != (tt.wantErr == nil) {
				t.Error("CheckPasswordMatch disagrees with VerifyPassword")
			}
		})
	}
}

func TestHashPassword_Errors(t *testing.T) {
	if _, err := HashPassword("", bcrypt.MinCost); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("empty password error = %v", err)
	}
	if _, err := HashPassword(strings.Repeat("x", 73), bcrypt.MinCost); !errors.Is(err, ErrPasswordTooLong) {
		t.Errorf("long password error = %v", err)
	}
}
