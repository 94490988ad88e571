package model

// OrderRelation 用户与工单的关系
type OrderRelation string

const (
	OrderRelationReviewer OrderRelation = "reviewer"
	OrderRelationAuditor  OrderRelation = "auditor"
	OrderRelationCC       OrderRelation = "cc"
)

// OrderUser 工单参与人
type OrderUser struct {
	BaseModel
	OrderID  int           `gorm:"uniqueIndex:idx_order_user_relation;not null" json:"orderId"`
	UserID   int           `gorm:"uniqueIndex:idx_order_user_relation;not null" json:"userId"`
	Username string        `gorm:"type:varchar(64);not null" json:"username"`
	Relation OrderRelation `gorm:"type:varchar(16);uniqueIndex:idx_order_user_relation;not null" json:"relation"`
}

// TableName specifies the table name for OrderUser model
func (OrderUser) TableName() string {
	return "order_users"
}
