package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateTokenRoundTrip(t *testing.T) {
	signed, expiresAt, err := GenerateToken("user-1", "admin", "secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Fatalf("unexpected expiry: %v", expiresAt)
	}

	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (any, error) {
		return []byte("secret"), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("parse: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["user_id"] != "user-1" || claims["role"] != "admin" {
		t.Fatalf("unexpected claims: %v", claims)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	if _, _, err := GenerateToken("", "agent", "secret", time.Hour); err == nil {
		t.Fatal("expected error for empty user id")
	}
	if _, _, err := GenerateToken("user-1", "agent", "", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, _, err := GenerateToken("user-1", "agent", "secret", 0); err == nil {
		t.Fatal("expected error for zero expiry")
	}
}
