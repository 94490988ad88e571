package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParse(t *testing.T) {
	m := NewTokenManager("test-secret-key", "go_dbchange", 24*time.Hour)

	token, expireAt, err := m.Issue(7, "alice", "user")
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	if token == "" {
		t.Error("Expected non-empty token")
	}
	if time.Until(expireAt) < 23*time.Hour {
		t.Errorf("Expected expiry about 24h ahead, got %v", expireAt)
	}

	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if claims.UID != 7 {
		t.Errorf("Expected UID 7, got %d", claims.UID)
	}
	if claims.Username != "alice" {
		t.Errorf("Expected username alice, got %s", claims.Username)
	}
	if claims.Role != "user" {
		t.Errorf("Expected role user, got %s", claims.Role)
	}
	if claims.Issuer != "go_dbchange" {
		t.Errorf("Expected issuer go_dbchange, got %s", claims.Issuer)
	}
}

func TestParse_InvalidToken(t *testing.T) {
	m := NewTokenManager("test-secret-key", "go_dbchange", time.Hour)
	if _, err := m.Parse("invalid.token.string"); err == nil {
		t.Error("Parse() should fail for invalid token")
	}
}

func TestParse_ExpiredToken(t *testing.T) {
	m := NewTokenManager("test-secret-key", "go_dbchange", time.Hour)
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, _, err := m.Issue(1, "alice", "admin")
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	m.now = time.Now
	_, err = m.Parse(token)
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
}

func TestParse_WrongSecretOrIssuer(t *testing.T) {
	issuer := NewTokenManager("secret-1", "go_dbchange", time.Hour)
	token, _, err := issuer.Issue(1, "alice", "admin")
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	if _, err := NewTokenManager("secret-2", "go_dbchange", time.Hour).Parse(token); err == nil {
		t.Error("Parse() should fail when secret is different")
	}
	if _, err := NewTokenManager("secret-1", "other", time.Hour).Parse(token); err == nil {
		t.Error("Parse() should fail when issuer is different")
	}
}

func TestIssue_MissingSecret(t *testing.T) {
	m := NewTokenManager("", "go_dbchange", time.Hour)
	if _, _, err := m.Issue(1, "alice", "admin"); !errors.Is(err, ErrSecretMissing) {
		t.Errorf("Expected ErrSecretMissing, got %v", err)
	}
}
