package model

import "time"

// OpAction 操作日志动作
type OpAction string

const (
	OpActionCreate   OpAction = "create"
	OpActionInspect  OpAction = "inspect"
	OpActionReview   OpAction = "review"
	OpActionApprove  OpAction = "approve"
	OpActionFeedback OpAction = "feedback"
	OpActionClose    OpAction = "close"
	OpActionHook     OpAction = "hook"
	OpActionGenerate OpAction = "generate"
	OpActionExecute  OpAction = "execute"
)

// OrderOpLog 工单操作日志，只追加不修改
type OrderOpLog struct {
	ID         int         `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID    int         `gorm:"index:idx_order_created;not null" json:"orderId"`
	Action     OpAction    `gorm:"type:varchar(16);not null" json:"action"`
	Operator   string      `gorm:"type:varchar(64);not null" json:"operator"`
	FromStatus OrderStatus `gorm:"type:varchar(32)" json:"fromStatus"`
	ToStatus   OrderStatus `gorm:"type:varchar(32)" json:"toStatus"`
	Comment    string      `gorm:"type:text" json:"comment,omitempty"`
	CreatedAt  time.Time   `gorm:"index:idx_order_created;not null;precision:6" json:"operateTime"`
}

// TableName specifies the table name for OrderOpLog model
func (OrderOpLog) TableName() string {
	return "order_oplogs"
}
