// Package audit is the append-only operation log of orders.
package audit

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"go_dbchange/internal/model"
)

// Entry 待写入的一条操作日志
type Entry struct {
	OrderID    int
	Action     model.OpAction
	Operator   string
	FromStatus model.OrderStatus
	ToStatus   model.OrderStatus
	Comment    string
}

// Log 写入和读取操作日志；不提供修改和删除
type Log struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// New creates an audit log
func New() *Log {
	return &Log{now: time.Now}
}

// next returns a timestamp strictly greater than any previously handed out
func (l *Log) next() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now().Truncate(time.Microsecond)
	if !t.After(l.last) {
		t = l.last.Add(time.Microsecond)
	}
	l.last = t
	return t
}

// Record appends an entry using the caller's transaction. An error must
// abort the surrounding business operation.
func (l *Log) Record(tx *gorm.DB, e Entry) (*model.OrderOpLog, error) {
	if e.OrderID == 0 || e.Action == "" || e.Operator == "" {
		return nil, fmt.Errorf("audit entry incomplete: order=%d action=%q operator=%q", e.OrderID, e.Action, e.Operator)
	}
	row := &model.OrderOpLog{
		OrderID:    e.OrderID,
		Action:     e.Action,
		Operator:   e.Operator,
		FromStatus: e.FromStatus,
		ToStatus:   e.ToStatus,
		Comment:    e.Comment,
		CreatedAt:  l.next(),
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, fmt.Errorf("write oplog for order %d: %w", e.OrderID, err)
	}
	return row, nil
}

// List returns the entries of an order in chronological order
func (l *Log) List(db *gorm.DB, orderID int) ([]model.OrderOpLog, error) {
	var rows []model.OrderOpLog
	err := db.Where("order_id = ?", orderID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list oplogs for order %d: %w", orderID, err)
	}
	return rows, nil
}
