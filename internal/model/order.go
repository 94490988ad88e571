package model

import (
	"time"

	"gorm.io/datatypes"
)

// OrderType 工单 SQL 类型
type OrderType string

const (
	OrderTypeDDL    OrderType = "DDL"
	OrderTypeDML    OrderType = "DML"
	OrderTypeExport OrderType = "EXPORT"
)

// Valid reports whether t is a known order type
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeDDL, OrderTypeDML, OrderTypeExport:
		return true
	}
	return false
}

// OrderStatus 工单状态
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusSyntaxFailed   OrderStatus = "syntax_failed"
	OrderStatusUnderReview    OrderStatus = "under_review"
	OrderStatusRejected       OrderStatus = "rejected"
	OrderStatusApproved       OrderStatus = "approved"
	OrderStatusTasksGenerated OrderStatus = "tasks_generated"
	OrderStatusExecuting      OrderStatus = "executing"
	OrderStatusDone           OrderStatus = "done"
	OrderStatusFailed         OrderStatus = "failed"
	OrderStatusClosed         OrderStatus = "closed"
)

// AllOrderStatuses lists every status in lifecycle order
var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusSyntaxFailed,
	OrderStatusUnderReview,
	OrderStatusRejected,
	OrderStatusApproved,
	OrderStatusTasksGenerated,
	OrderStatusExecuting,
	OrderStatusDone,
	OrderStatusFailed,
	OrderStatusClosed,
}

// 合法状态迁移表；关闭从任意非终态可达，单独处理
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusSyntaxFailed, OrderStatusUnderReview},
	OrderStatusUnderReview:    {OrderStatusRejected, OrderStatusApproved},
	OrderStatusApproved:       {OrderStatusTasksGenerated},
	OrderStatusTasksGenerated: {OrderStatusExecuting, OrderStatusDone, OrderStatusFailed},
	OrderStatusExecuting:      {OrderStatusDone, OrderStatusFailed},
}

// IsTerminal reports whether no transition leaves s
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusRejected || s == OrderStatusClosed
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	for _, known := range AllOrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// HasTasks reports whether an order in status s owns task rows.
// closed is ambiguous: it keeps tasks only when closed after generation.
func (s OrderStatus) HasTasks() bool {
	switch s {
	case OrderStatusTasksGenerated, OrderStatusExecuting, OrderStatusDone, OrderStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal state machine edge
func CanTransition(from, to OrderStatus) bool {
	if from.IsTerminal() || !from.Valid() {
		return false
	}
	if to == OrderStatusClosed {
		return true
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order 数据库变更工单
type Order struct {
	BaseModel
	Title            string         `gorm:"type:varchar(128);not null" json:"title"`
	Description      string         `gorm:"type:text" json:"description,omitempty"`
	SQLContent       string         `gorm:"type:text;not null" json:"sql"`
	OrderType        OrderType      `gorm:"type:varchar(16);not null" json:"orderType"`
	Status           OrderStatus    `gorm:"type:varchar(32);not null;index;default:'pending'" json:"status"`
	EnvironmentID    int            `gorm:"index" json:"environmentId"`
	InstanceID       int            `gorm:"index;not null" json:"instanceId"`
	SchemaName       string         `gorm:"type:varchar(128);not null" json:"schemaName"`
	DBType           string         `gorm:"type:varchar(16);not null" json:"dbType"`
	Applicant        string         `gorm:"type:varchar(64);index;not null" json:"creator"`
	ApplicantID      int            `gorm:"index;not null" json:"creatorId"`
	ScheduleTime     *time.Time     `json:"executeTime,omitempty"`
	Acknowledged     bool           `gorm:"default:false" json:"acknowledged"`
	IsRestrictAccess bool           `gorm:"default:false" json:"isRestrictAccess"`
	CheckFindings    datatypes.JSON `json:"checkFindings,omitempty"`
	ReviewedBy       string         `gorm:"type:varchar(64)" json:"reviewedBy,omitempty"`
	ReviewedAt       *time.Time     `json:"reviewedAt,omitempty"`
	AuditedBy        string         `gorm:"type:varchar(64)" json:"auditedBy,omitempty"`
	AuditedAt        *time.Time     `json:"auditedAt,omitempty"`
	CloseReason      string         `gorm:"type:varchar(512)" json:"closeReason,omitempty"`
	Version          int            `gorm:"not null;default:1" json:"version"`
}

// TableName specifies the table name for Order model
func (Order) TableName() string {
	return "orders"
}

// NeedsAuditor reports whether the order requires an auditor sign-off
// before it can be approved.
func (o Order) NeedsAuditor(auditorCount int) bool {
	return o.OrderType == OrderTypeDDL || auditorCount > 0
}
