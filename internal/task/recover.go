package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gorm.io/gorm"

	"go_dbchange/internal/artifact"
	"go_dbchange/internal/authz"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/model"
	"go_dbchange/internal/notify"
	"go_dbchange/internal/order"
)

const interruptedMessage = "interrupted: executor stopped while the task was running"

// Recover marks tasks left running by a stopped process as failed. Orders
// without unresolved tasks afterwards settle on failed. Returns the number
// of tasks recovered. An order whose lock is still held, by a live run or
// by the lease of a crashed process, is skipped and reported in the error;
// a later call picks it up.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	var orderIDs []int
	err := e.orders.DB().WithContext(ctx).Model(&model.OrderTask{}).
		Where("status = ?", model.TaskStatusRunning).
		Distinct("order_id").
		Pluck("order_id", &orderIDs).Error
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	recovered := 0
	var errs []error
	for _, orderID := range orderIDs {
		n, err := e.recoverOrder(ctx, orderID)
		if err != nil {
			e.logger.WithError(err).WithField("order_id", orderID).Warn("Running tasks not recovered")
			errs = append(errs, fmt.Errorf("order %d: %w", orderID, err))
			continue
		}
		recovered += n
	}
	if recovered > 0 {
		e.logger.WithField("tasks", recovered).Warn("Recovered interrupted tasks")
	}
	return recovered, errors.Join(errs...)
}

func (e *Executor) recoverOrder(ctx context.Context, orderID int) (int, error) {
	n := 0
	err := e.orders.Mutate(ctx, orderID, func(tx *gorm.DB) ([]notify.Event, error) {
		res := tx.Model(&model.OrderTask{}).
			Where("order_id = ? AND status = ?", orderID, model.TaskStatusRunning).
			Updates(map[string]any{
				"status":        model.TaskStatusFailed,
				"error_message": interruptedMessage,
			})
		if res.Error != nil {
			return nil, httpx.ErrDatabaseError("failed to recover tasks", res.Error)
		}
		n = int(res.RowsAffected)

		o, _, err := e.orders.Load(tx, orderID)
		if err != nil {
			return nil, err
		}
		if o.Status != model.OrderStatusExecuting {
			return nil, nil
		}
		to, err := nextOrderStatus(tx, o)
		if err != nil {
			return nil, err
		}
		ev, err := e.orders.Transition(tx, o, order.Change{
			To:       to,
			Action:   model.OpActionExecute,
			Operator: authz.SystemOperator,
			Comment:  fmt.Sprintf("%d interrupted tasks marked failed", n),
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
	return n, err
}

// RunScheduled executes every generated order whose execute time has come,
// as the system operator. Returns the number of orders started.
func (e *Executor) RunScheduled(ctx context.Context, now time.Time) int {
	var ids []int
	err := e.orders.DB().WithContext(ctx).Model(&model.Order{}).
		Where("status = ? AND schedule_time IS NOT NULL AND schedule_time <= ?", model.OrderStatusTasksGenerated, now).
		Order("schedule_time ASC").
		Pluck("id", &ids).Error
	if err != nil {
		e.logger.WithError(err).Error("Failed to list scheduled orders")
		return 0
	}

	started := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res, err := e.ExecuteAll(ctx, authz.System(), id)
		if err != nil {
			e.logger.WithError(err).WithField("order_id", id).Warn("Scheduled execution skipped")
			continue
		}
		started++
		e.logger.WithField("order_id", id).WithField("status", res.OrderStatus).Info("Scheduled execution finished")
	}
	return started
}

// Artifact 导出文件
type Artifact struct {
	Name string
	Body io.ReadCloser
}

// Download opens the export result of a task
func (e *Executor) Download(ctx context.Context, caller authz.Caller, taskID int) (*Artifact, error) {
	db := e.orders.DB().WithContext(ctx)
	var t model.OrderTask
	if err := db.First(&t, taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, httpx.ErrNotFound(fmt.Sprintf("task %d not found", taskID))
		}
		return nil, httpx.ErrDatabaseError("failed to query task", err)
	}
	o, p, err := e.orders.Load(db, t.OrderID)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && !authz.IsParticipant(caller, o, p) {
		return nil, httpx.ErrNotAuthorized(fmt.Sprintf("%s may not download results of order %d", caller.Username, o.ID))
	}
	if o.OrderType != model.OrderTypeExport || t.ArtifactKey == "" {
		return nil, httpx.ErrNotFound(fmt.Sprintf("task %d has no export file", taskID))
	}
	if e.artifacts == nil {
		return nil, httpx.ErrInternalError("no artifact store configured", nil)
	}

	body, err := e.artifacts.Open(ctx, t.ArtifactKey)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, httpx.ErrNotFound(fmt.Sprintf("export file of task %d is gone", taskID))
		}
		return nil, httpx.ErrExternalError("failed to open export file", err)
	}
	return &Artifact{
		Name: fmt.Sprintf("order-%d-task-%d.csv", o.ID, t.Seq),
		Body: body,
	}, nil
}
