// Package notify fans committed order events out to hooks, websockets,
// the event bus and mail. Delivery is best effort.
package notify

import (
	"context"
	"fmt"
	"time"

	"go_dbchange/internal/model"
)

// Event 已提交的工单事件
type Event struct {
	OrderID    int               `json:"orderId"`
	Title      string            `json:"title"`
	Action     model.OpAction    `json:"action"`
	Operator   string            `json:"operator"`
	FromStatus model.OrderStatus `json:"fromStatus"`
	ToStatus   model.OrderStatus `json:"toStatus"`
	Comment    string            `json:"comment,omitempty"`
	TaskID     int               `json:"taskId,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Changed reports whether the event moved the order to a new status
func (e Event) Changed() bool {
	return e.FromStatus != e.ToStatus
}

// Text renders a one-line human readable message
func (e Event) Text() string {
	msg := fmt.Sprintf("[dbchange] order #%d %q %s by %s", e.OrderID, e.Title, e.Action, e.Operator)
	if e.Changed() {
		msg += fmt.Sprintf(": %s -> %s", e.FromStatus, e.ToStatus)
	}
	if e.Comment != "" {
		msg += "\n" + e.Comment
	}
	return msg
}

// Publisher accepts events after the transaction that produced them committed
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards events
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(context.Context, Event) {}

// Sink delivers events to one destination
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}
