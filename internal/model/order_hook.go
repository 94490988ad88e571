package model

// HookType 回调类型
type HookType string

const (
	HookTypeWebhook  HookType = "webhook"
	HookTypeDingTalk HookType = "dingtalk"
	HookTypeFeishu   HookType = "feishu"
	HookTypeWeChat   HookType = "wechat"
)

// Valid reports whether t is a supported hook type
func (t HookType) Valid() bool {
	switch t {
	case HookTypeWebhook, HookTypeDingTalk, HookTypeFeishu, HookTypeWeChat:
		return true
	}
	return false
}

// OrderHook 工单状态变更回调
type OrderHook struct {
	BaseModel
	OrderID   int      `gorm:"index;not null" json:"orderId"`
	HookType  HookType `gorm:"type:varchar(16);not null" json:"hookType"`
	HookURL   string   `gorm:"type:varchar(512);not null" json:"hookUrl"`
	CreatedBy string   `gorm:"type:varchar(64)" json:"createdBy"`
}

// TableName specifies the table name for OrderHook model
func (OrderHook) TableName() string {
	return "order_hooks"
}
