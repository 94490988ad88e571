package model

import "time"

// TaskStatus 执行任务状态
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// Resolved reports whether the task reached a final status
func (s TaskStatus) Resolved() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// OrderTask 工单拆分出的单条可执行语句
type OrderTask struct {
	BaseModel
	OrderID      int        `gorm:"uniqueIndex:idx_order_seq;not null" json:"orderId"`
	Seq          int        `gorm:"uniqueIndex:idx_order_seq;not null" json:"seq"`
	SQLContent   string     `gorm:"type:text;not null" json:"sql"`
	Fingerprint  string     `gorm:"type:varchar(32);index" json:"fingerprint"`
	Kind         string     `gorm:"type:varchar(16)" json:"kind"`
	Status       TaskStatus `gorm:"type:varchar(16);not null;default:'pending'" json:"status"`
	ExecuteTime  *time.Time `json:"executeTime,omitempty"`
	Duration     int64      `gorm:"default:0" json:"duration"`
	AffectedRows int64      `gorm:"default:0" json:"affectedRows"`
	ErrorMessage string     `gorm:"type:text" json:"errorMessage,omitempty"`
	ArtifactKey  string     `gorm:"type:varchar(255)" json:"artifactKey,omitempty"`
	RunID        string     `gorm:"type:varchar(36)" json:"runId,omitempty"`
}

// TableName specifies the table name for OrderTask model
func (OrderTask) TableName() string {
	return "order_tasks"
}
