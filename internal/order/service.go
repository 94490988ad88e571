// Package order owns change orders and is the only writer of their status.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_dbchange/internal/audit"
	"go_dbchange/internal/authz"
	"go_dbchange/internal/catalog"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/inspect"
	"go_dbchange/internal/lock"
	"go_dbchange/internal/metrics"
	"go_dbchange/internal/model"
	"go_dbchange/internal/notify"
)

// Service 工单服务
type Service struct {
	db        *gorm.DB
	catalog   *catalog.Service
	inspector *inspect.Inspector
	audit     *audit.Log
	locker    lock.Locker
	events    notify.Publisher
	metrics   *metrics.Collector
	logger    *logrus.Entry
	now       func() time.Time
}

// Deps 工单服务依赖
type Deps struct {
	DB        *gorm.DB
	Catalog   *catalog.Service
	Inspector *inspect.Inspector
	Audit     *audit.Log
	Locker    lock.Locker
	Events    notify.Publisher
	Metrics   *metrics.Collector
	Logger    *logrus.Entry
}

// NewService creates the order service
func NewService(d Deps) *Service {
	if d.Events == nil {
		d.Events = notify.Nop{}
	}
	if d.Audit == nil {
		d.Audit = audit.New()
	}
	return &Service{
		db:        d.DB,
		catalog:   d.Catalog,
		inspector: d.Inspector,
		audit:     d.Audit,
		locker:    d.Locker,
		events:    d.Events,
		metrics:   d.Metrics,
		logger:    d.Logger.WithField("component", "order"),
		now:       time.Now,
	}
}

// DB returns the control-plane connection
func (s *Service) DB() *gorm.DB {
	return s.db
}

// Audit returns the operation log
func (s *Service) Audit() *audit.Log {
	return s.audit
}

// WithLock runs fn while holding the exclusive lease of the order.
// A lease held by someone else is reported as Conflict.
func (s *Service) WithLock(ctx context.Context, orderID int, fn func() error) error {
	lease, err := s.locker.Acquire(ctx, lock.OrderKey(orderID))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return httpx.ErrConflict(fmt.Sprintf("order %d is being modified by another request", orderID))
		}
		return httpx.ErrInternalError("failed to acquire order lock", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to release order lock")
		}
	}()
	return fn()
}

// Load reads an order and its participants inside tx
func (s *Service) Load(tx *gorm.DB, orderID int) (*model.Order, authz.Participants, error) {
	var o model.Order
	if err := tx.First(&o, orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, authz.Participants{}, httpx.ErrNotFound(fmt.Sprintf("order %d not found", orderID))
		}
		return nil, authz.Participants{}, httpx.ErrDatabaseError("failed to query order", err)
	}
	var users []model.OrderUser
	if err := tx.Where("order_id = ?", orderID).Order("id ASC").Find(&users).Error; err != nil {
		return nil, authz.Participants{}, httpx.ErrDatabaseError("failed to query order users", err)
	}
	return &o, authz.FromOrderUsers(users), nil
}

// Get returns an order by id
func (s *Service) Get(ctx context.Context, orderID int) (*model.Order, error) {
	o, _, err := s.Load(s.db.WithContext(ctx), orderID)
	return o, err
}

// Change 一次状态变更；To 等于当前状态时只记录日志并推进版本
type Change struct {
	To       model.OrderStatus
	Action   model.OpAction
	Operator string
	Comment  string
	Fields   map[string]any
}

// Transition moves the order to ch.To and appends the oplog entry in the
// same transaction. The update is guarded by the version and status read
// by the caller, so a concurrent writer turns into Conflict.
func (s *Service) Transition(tx *gorm.DB, o *model.Order, ch Change) (notify.Event, error) {
	from := o.Status
	if ch.To != from && !model.CanTransition(from, ch.To) {
		return notify.Event{}, httpx.ErrInvalidState(fmt.Sprintf("order %d cannot move from %s to %s", o.ID, from, ch.To))
	}

	updates := map[string]any{
		"status":  ch.To,
		"version": gorm.Expr("version + 1"),
	}
	for k, v := range ch.Fields {
		updates[k] = v
	}
	res := tx.Model(&model.Order{}).
		Where("id = ? AND version = ? AND status = ?", o.ID, o.Version, from).
		Updates(updates)
	if res.Error != nil {
		return notify.Event{}, httpx.ErrDatabaseError("failed to update order", res.Error)
	}
	if res.RowsAffected == 0 {
		return notify.Event{}, httpx.ErrConflict(fmt.Sprintf("order %d was modified concurrently", o.ID))
	}

	entry, err := s.audit.Record(tx, audit.Entry{
		OrderID:    o.ID,
		Action:     ch.Action,
		Operator:   ch.Operator,
		FromStatus: from,
		ToStatus:   ch.To,
		Comment:    ch.Comment,
	})
	if err != nil {
		return notify.Event{}, httpx.ErrDatabaseError("failed to write oplog", err)
	}

	o.Status = ch.To
	o.Version++
	return notify.Event{
		OrderID:    o.ID,
		Title:      o.Title,
		Action:     ch.Action,
		Operator:   ch.Operator,
		FromStatus: from,
		ToStatus:   ch.To,
		Comment:    ch.Comment,
		OccurredAt: entry.CreatedAt,
	}, nil
}

// Publish hands committed events to the notifier and counts transitions
func (s *Service) Publish(ctx context.Context, events ...notify.Event) {
	for _, e := range events {
		s.metrics.ObserveTransition(string(e.Action), string(e.FromStatus), string(e.ToStatus))
		s.events.Publish(ctx, e)
	}
}

// Commit runs fn in a transaction and publishes the events it produced
// once committed. The caller must already hold the order lock.
func (s *Service) Commit(ctx context.Context, fn func(tx *gorm.DB) ([]notify.Event, error)) error {
	var events []notify.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		events, err = fn(tx)
		return err
	})
	if err != nil {
		return err
	}
	s.Publish(ctx, events...)
	return nil
}

// Mutate runs fn in a transaction under the order lock and publishes the
// events it produced once committed
func (s *Service) Mutate(ctx context.Context, orderID int, fn func(tx *gorm.DB) ([]notify.Event, error)) error {
	return s.WithLock(ctx, orderID, func() error {
		return s.Commit(ctx, fn)
	})
}
