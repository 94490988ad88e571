package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_dbchange/api/v1/middleware"
	"go_dbchange/internal/auth"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/model"
)

// LoginRequest represents login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents login response data
type LoginResponse struct {
	Token    string  `json:"token"`
	ExpireAt string  `json:"expireAt"`
	User     Profile `json:"user"`
}

// Profile 当前用户信息，工单表单用它预填申请人
type Profile struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	RealName string `json:"realName"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

func profileOf(u *model.User) Profile {
	return Profile{ID: u.ID, Username: u.Username, RealName: u.RealName, Email: u.Email, Role: u.Role}
}

// Handler handles login and profile requests
type Handler struct {
	db     *gorm.DB
	tokens *auth.TokenManager
	logger *logrus.Entry
}

// NewHandler creates a new auth handler
func NewHandler(db *gorm.DB, tokens *auth.TokenManager, logger *logrus.Entry) *Handler {
	return &Handler{db: db, tokens: tokens, logger: logger.WithField("component", "auth_api")}
}

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	user, err := auth.Authenticate(h.db.WithContext(c.Request.Context()), req.Username, req.Password)
	if err != nil {
		h.logger.WithFields(logrus.Fields{"username": req.Username, "client": c.ClientIP()}).Warn("Login rejected")
		httpx.FailAny(c, err)
		return
	}

	token, expireAt, err := h.tokens.Issue(user.ID, user.Username, user.Role)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to generate token", err))
		return
	}

	httpx.OK(c, LoginResponse{
		Token:    token,
		ExpireAt: expireAt.Format(time.RFC3339),
		User:     profileOf(user),
	})
}

// Me handles GET /api/v1/me
func (h *Handler) Me(c *gin.Context) {
	caller := middleware.Caller(c)
	var user model.User
	if err := h.db.WithContext(c.Request.Context()).First(&user, caller.UID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrUnauthorized("user no longer exists"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query user", err))
		return
	}
	httpx.OK(c, profileOf(&user))
}
