package model

// UserStatus represents user status
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusInactive UserStatus = "inactive"
)

// 平台角色
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User 平台用户，同时作为工单的申请人、审核人、复核人和抄送人
type User struct {
	BaseModel
	Username     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	PasswordHash string     `gorm:"type:varchar(255);not null" json:"-"`
	RealName     string     `gorm:"type:varchar(64)" json:"realName"`
	Email        string     `gorm:"type:varchar(128)" json:"email"`
	Role         string     `gorm:"type:varchar(32);default:'user'" json:"role"`
	Status       UserStatus `gorm:"type:varchar(16);default:'active'" json:"-"`
}

// TableName specifies the table name for User model
func (User) TableName() string {
	return "users"
}

// IsAdmin reports whether the user holds the admin role
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
