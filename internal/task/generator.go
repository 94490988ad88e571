// Package task materializes approved orders into per-statement tasks and
// runs them against the target instance.
package task

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_dbchange/internal/authz"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/model"
	"go_dbchange/internal/notify"
	"go_dbchange/internal/order"
	"go_dbchange/internal/sqlsplit"
)

// Generator 任务生成器，唯一创建任务行的组件
type Generator struct {
	orders *order.Service
	logger *logrus.Entry
}

// NewGenerator creates a task generator
func NewGenerator(orders *order.Service, logger *logrus.Entry) *Generator {
	return &Generator{
		orders: orders,
		logger: logger.WithField("component", "task_generator"),
	}
}

// Preview 预览结果
type Preview struct {
	Tasks      []model.OrderTask `json:"tasks"`
	TotalCount int               `json:"totalCount"`
}

// build splits the order SQL with the same splitter and dialect the inspector uses
func build(o *model.Order) []model.OrderTask {
	stmts := sqlsplit.Split(o.SQLContent, sqlsplit.DialectFor(o.DBType))
	tasks := make([]model.OrderTask, 0, len(stmts))
	for _, st := range stmts {
		tasks = append(tasks, model.OrderTask{
			OrderID:     o.ID,
			Seq:         st.Seq,
			SQLContent:  st.Text,
			Fingerprint: st.Fingerprint,
			Kind:        string(st.Kind),
			Status:      model.TaskStatusPending,
		})
	}
	return tasks
}

func hideSQL(tasks []model.OrderTask) {
	for i := range tasks {
		tasks[i].SQLContent = ""
	}
}

// Preview returns the tasks generate would create, without writing anything
func (g *Generator) Preview(ctx context.Context, caller authz.Caller, orderID int) (*Preview, error) {
	o, p, err := g.orders.Load(g.orders.DB().WithContext(ctx), orderID)
	if err != nil {
		return nil, err
	}
	tasks := build(o)
	if !authz.CanView(caller, o, p) {
		hideSQL(tasks)
	}
	return &Preview{Tasks: tasks, TotalCount: len(tasks)}, nil
}

// Generate creates one pending task per statement of an approved order and
// moves it to tasks_generated. Orders that already own tasks fail with
// AlreadyGenerated and nothing is written.
func (g *Generator) Generate(ctx context.Context, caller authz.Caller, orderID int) ([]model.OrderTask, error) {
	var tasks []model.OrderTask
	err := g.orders.Mutate(ctx, orderID, func(tx *gorm.DB) ([]notify.Event, error) {
		o, p, err := g.orders.Load(tx, orderID)
		if err != nil {
			return nil, err
		}
		if !authz.CanExecute(caller, o, p) {
			return nil, httpx.ErrNotAuthorized(fmt.Sprintf("%s may not generate tasks for order %d", caller.Username, o.ID))
		}

		var existing int64
		if err := tx.Model(&model.OrderTask{}).Where("order_id = ?", o.ID).Count(&existing).Error; err != nil {
			return nil, httpx.ErrDatabaseError("failed to count tasks", err)
		}
		if existing > 0 || o.Status.HasTasks() {
			return nil, httpx.ErrAlreadyGenerated(fmt.Sprintf("order %d already has %d tasks", o.ID, existing))
		}
		if o.Status != model.OrderStatusApproved {
			return nil, httpx.ErrInvalidState(fmt.Sprintf("order %d is %s, tasks are generated from approved orders", o.ID, o.Status))
		}

		tasks = build(o)
		if len(tasks) == 0 {
			return nil, httpx.ErrValidation(fmt.Sprintf("order %d contains no statement", o.ID))
		}
		if err := tx.Create(&tasks).Error; err != nil {
			return nil, httpx.ErrDatabaseError("failed to create tasks", err)
		}

		ev, err := g.orders.Transition(tx, o, order.Change{
			To:       model.OrderStatusTasksGenerated,
			Action:   model.OpActionGenerate,
			Operator: caller.Username,
			Comment:  fmt.Sprintf("%d tasks generated", len(tasks)),
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"tasks":    len(tasks),
		"operator": caller.Username,
	}).Info("Tasks generated")
	return tasks, nil
}

// Tasks lists the persisted tasks of an order by statement order
func (g *Generator) Tasks(ctx context.Context, caller authz.Caller, orderID int) ([]model.OrderTask, error) {
	db := g.orders.DB().WithContext(ctx)
	o, p, err := g.orders.Load(db, orderID)
	if err != nil {
		return nil, err
	}
	var tasks []model.OrderTask
	if err := db.Where("order_id = ?", orderID).Order("seq ASC").Find(&tasks).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to list tasks", err)
	}
	if !authz.CanView(caller, o, p) {
		hideSQL(tasks)
	}
	return tasks, nil
}
