package auth

import (
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go_dbchange/internal/httpx"
	"go_dbchange/internal/model"
)

func TestHashAndComparePassword(t *testing.T) {
	plain := "testpassword123"

	hash1, err := HashPassword(plain)
	if err != nil {
		t.Fatalf("HashPassword() failed: %v", err)
	}
	hash2, _ := HashPassword(plain)

	if hash1 == plain {
		t.Error("Hash should not equal plain text password")
	}
	if hash1 == hash2 {
		t.Error("Expected different hashes for same password (bcrypt salt)")
	}
	if err := ComparePassword(hash1, plain); err != nil {
		t.Errorf("ComparePassword() failed for correct password: %v", err)
	}
	if err := ComparePassword(hash2, "wrongpassword"); err == nil {
		t.Error("ComparePassword() should fail for wrong password")
	}
}

func TestAuthenticate(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&model.User{}); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	hash, _ := HashPassword("secret")
	conn.Create(&model.User{Username: "alice", PasswordHash: hash, Role: model.RoleUser, Status: model.UserStatusActive})
	conn.Create(&model.User{Username: "mallory", PasswordHash: hash, Role: model.RoleUser, Status: model.UserStatusInactive})

	tests := []struct {
		name     string
		username string
		password string
		wantCode int
	}{
		{"valid credentials", "alice", "secret", 0},
		{"wrong password", "alice", "nope", httpx.CodeUnauthorized},
		{"unknown user", "nobody", "secret", httpx.CodeUnauthorized},
		{"inactive user", "mallory", "secret", httpx.CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := Authenticate(conn, tt.username, tt.password)
			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("Authenticate() failed: %v", err)
				}
				if user.Username != tt.username {
					t.Errorf("Expected %s, got %s", tt.username, user.Username)
				}
				return
			}
			if !httpx.IsCode(err, tt.wantCode) {
				t.Errorf("Expected code %d, got %v", tt.wantCode, err)
			}
		})
	}
}
