package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"go_dbchange/internal/httpx"
	"go_dbchange/internal/model"
)

// HashPassword hashes a plain text password using bcrypt
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ComparePassword compares a bcrypt hashed password with a plain text password
func ComparePassword(hash, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
}

// Authenticate 校验用户名密码，用户不存在与密码错误返回同一错误
func Authenticate(db *gorm.DB, username, password string) (*model.User, error) {
	var user model.User
	if err := db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, httpx.ErrUnauthorized("invalid credentials")
		}
		return nil, httpx.ErrDatabaseError("failed to query user", err)
	}

	if user.Status == model.UserStatusInactive {
		return nil, httpx.ErrForbidden("user is inactive")
	}

	if err := ComparePassword(user.PasswordHash, password); err != nil {
		return nil, httpx.ErrUnauthorized("invalid credentials")
	}
	return &user, nil
}
