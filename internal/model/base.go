package model

import "time"

// BaseModel 公共字段
type BaseModel struct {
	ID        int       `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updateTime"`
}
