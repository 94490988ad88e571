package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"go_dbchange/internal/artifact"
	"go_dbchange/internal/authz"
	"go_dbchange/internal/catalog"
	"go_dbchange/internal/config"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/metrics"
	"go_dbchange/internal/model"
	"go_dbchange/internal/notify"
	"go_dbchange/internal/order"
	"go_dbchange/internal/targetdb"
)

// Policy 按工单类型的执行策略
type Policy struct {
	ContinueOnError bool
	Parallel        bool
}

// Result 单个任务的执行结果；执行失败通过 Success=false 返回
type Result struct {
	TaskID        int              `json:"taskId"`
	Seq           int              `json:"seq"`
	Status        model.TaskStatus `json:"status"`
	Success       bool             `json:"success"`
	Message       string           `json:"message,omitempty"`
	AffectedRows  int64            `json:"affectedRows"`
	ExecutionTime int64            `json:"executionTime"`
}

// RunResult executeAll 的汇总结果
type RunResult struct {
	OrderID     int               `json:"orderId"`
	OrderStatus model.OrderStatus `json:"orderStatus"`
	Success     bool              `json:"success"`
	Message     string            `json:"message,omitempty"`
	Results     []Result          `json:"results"`
}

// Executor 任务执行器，唯一修改任务状态和结果的组件
type Executor struct {
	orders    *order.Service
	catalog   *catalog.Service
	runner    targetdb.Runner
	artifacts artifact.Store
	cfg       config.ExecutorConfig
	timeout   time.Duration
	metrics   *metrics.Collector
	logger    *logrus.Entry
	now       func() time.Time
}

// NewExecutor creates a task executor
func NewExecutor(orders *order.Service, cat *catalog.Service, runner targetdb.Runner, artifacts artifact.Store, cfg config.ExecutorConfig, m *metrics.Collector, logger *logrus.Entry) *Executor {
	timeout := time.Duration(cfg.StatementTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Executor{
		orders:    orders,
		catalog:   cat,
		runner:    runner,
		artifacts: artifacts,
		cfg:       cfg,
		timeout:   timeout,
		metrics:   m,
		logger:    logger.WithField("component", "task_executor"),
		now:       time.Now,
	}
}

// PolicyFor returns the execution policy of an order type.
// DDL and DML always run sequentially.
func (e *Executor) PolicyFor(t model.OrderType) Policy {
	switch t {
	case model.OrderTypeDDL:
		return Policy{ContinueOnError: e.cfg.DDLContinueOnError}
	case model.OrderTypeDML:
		return Policy{ContinueOnError: e.cfg.DMLContinueOnError}
	case model.OrderTypeExport:
		return Policy{ContinueOnError: e.cfg.ExportContinueOnError, Parallel: e.cfg.ExportParallel}
	}
	return Policy{}
}

func executable(o *model.Order) error {
	if o.Status != model.OrderStatusTasksGenerated && o.Status != model.OrderStatusExecuting {
		return httpx.ErrInvalidState(fmt.Sprintf("order %d is %s, tasks can only run after generation", o.ID, o.Status))
	}
	return nil
}

// run 一次执行过程中共享的状态；mu 保护订单对象和数据库写入
type run struct {
	mu     sync.Mutex
	order  *model.Order
	target targetdb.Target
	caller authz.Caller
	policy Policy
}

func (e *Executor) prepare(ctx context.Context, caller authz.Caller, orderID int) (*run, error) {
	o, p, err := e.orders.Load(e.orders.DB().WithContext(ctx), orderID)
	if err != nil {
		return nil, err
	}
	if !authz.CanExecute(caller, o, p) {
		return nil, httpx.ErrNotAuthorized(fmt.Sprintf("%s may not execute order %d", caller.Username, o.ID))
	}
	if err := executable(o); err != nil {
		return nil, err
	}
	inst, err := e.catalog.GetInstance(ctx, o.InstanceID)
	if err != nil {
		return nil, err
	}
	return &run{
		order:  o,
		target: catalog.TargetOf(inst, o.SchemaName),
		caller: caller,
		policy: e.PolicyFor(o.OrderType),
	}, nil
}

// ExecuteSingle runs one pending task. Unless the order type allows
// parallel execution every lower task must be resolved first.
func (e *Executor) ExecuteSingle(ctx context.Context, caller authz.Caller, taskID int) (*Result, error) {
	var t model.OrderTask
	if err := e.orders.DB().WithContext(ctx).First(&t, taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, httpx.ErrNotFound(fmt.Sprintf("task %d not found", taskID))
		}
		return nil, httpx.ErrDatabaseError("failed to query task", err)
	}

	var res *Result
	err := e.orders.WithLock(ctx, t.OrderID, func() error {
		r, err := e.prepare(ctx, caller, t.OrderID)
		if err != nil {
			return err
		}
		db := e.orders.DB().WithContext(ctx)
		if err := db.First(&t, taskID).Error; err != nil {
			return httpx.ErrDatabaseError("failed to query task", err)
		}
		if t.Status != model.TaskStatusPending {
			return httpx.ErrInvalidState(fmt.Sprintf("task %d is %s", t.ID, t.Status))
		}
		if !r.policy.Parallel {
			var blocking int64
			err := db.Model(&model.OrderTask{}).
				Where("order_id = ? AND seq < ? AND status IN ?", t.OrderID, t.Seq, []model.TaskStatus{model.TaskStatusPending, model.TaskStatusRunning}).
				Count(&blocking).Error
			if err != nil {
				return httpx.ErrDatabaseError("failed to check preceding tasks", err)
			}
			if blocking > 0 {
				return httpx.ErrOutOfOrder(fmt.Sprintf("task %d has %d unresolved preceding tasks", t.ID, blocking))
			}
		}
		res, err = e.runTask(ctx, r, t)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ExecuteAll drives every pending task of the order in statement order, or
// concurrently when the policy allows it. Without continue-on-error the run
// stops at the first failure and the order becomes failed with the rest of
// its tasks left pending. Tasks already resolved are never run again.
func (e *Executor) ExecuteAll(ctx context.Context, caller authz.Caller, orderID int) (*RunResult, error) {
	out := &RunResult{OrderID: orderID}
	err := e.orders.WithLock(ctx, orderID, func() error {
		r, err := e.prepare(ctx, caller, orderID)
		if err != nil {
			return err
		}

		var tasks []model.OrderTask
		err = e.orders.DB().WithContext(ctx).
			Where("order_id = ?", orderID).
			Order("seq ASC").
			Find(&tasks).Error
		if err != nil {
			return httpx.ErrDatabaseError("failed to list tasks", err)
		}
		var pending []model.OrderTask
		for _, t := range tasks {
			if t.Status == model.TaskStatusRunning {
				return httpx.ErrOutOfOrder(fmt.Sprintf("task %d is still running", t.ID))
			}
			if t.Status == model.TaskStatusPending {
				pending = append(pending, t)
			}
		}
		if len(pending) == 0 {
			return httpx.ErrInvalidState(fmt.Sprintf("order %d has no pending tasks", orderID))
		}

		var stopped bool
		if r.policy.Parallel {
			out.Results, stopped, err = e.runParallel(ctx, r, pending)
		} else {
			out.Results, stopped, err = e.runSequential(ctx, r, pending)
		}
		if err != nil {
			return err
		}
		if stopped && !r.order.Status.IsTerminal() && r.order.Status != model.OrderStatusFailed && r.order.Status != model.OrderStatusDone {
			if err := e.stop(ctx, r, len(pending)-len(out.Results)); err != nil {
				return err
			}
		}
		out.OrderStatus = r.order.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	out.Success = out.OrderStatus == model.OrderStatusDone
	failed := 0
	for _, res := range out.Results {
		if !res.Success {
			failed++
		}
	}
	out.Message = fmt.Sprintf("%d tasks run, %d failed", len(out.Results), failed)
	return out, nil
}

func (e *Executor) runSequential(ctx context.Context, r *run, pending []model.OrderTask) ([]Result, bool, error) {
	results := make([]Result, 0, len(pending))
	for _, t := range pending {
		res, err := e.runTask(ctx, r, t)
		if err != nil {
			return results, false, err
		}
		results = append(results, *res)
		if !res.Success && !r.policy.ContinueOnError {
			return results, true, nil
		}
	}
	return results, false, nil
}

var errStop = errors.New("stop on error")

func (e *Executor) runParallel(ctx context.Context, r *run, pending []model.OrderTask) ([]Result, bool, error) {
	var (
		mu      sync.Mutex
		results []Result
	)
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(e.cfg.MaxParallel)
	for _, t := range pending {
		t := t
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := e.runTask(ctx, r, t)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
			if !res.Success && !r.policy.ContinueOnError {
				return errStop
			}
			return nil
		})
	}
	err := g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	if errors.Is(err, errStop) {
		return results, true, nil
	}
	return results, false, err
}

// stop fails the order after a stop-on-error run left tasks pending
func (e *Executor) stop(ctx context.Context, r *run, left int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.orders.Commit(context.WithoutCancel(ctx), func(tx *gorm.DB) ([]notify.Event, error) {
		ev, err := e.orders.Transition(tx, r.order, order.Change{
			To:       model.OrderStatusFailed,
			Action:   model.OpActionExecute,
			Operator: r.caller.Username,
			Comment:  fmt.Sprintf("stopped on error, %d tasks left pending", left),
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
}

// runTask marks the task running, executes it and records the outcome.
// The order lock must be held. Only bookkeeping failures are returned as
// errors; a failing statement yields a Result with Success=false.
func (e *Executor) runTask(ctx context.Context, r *run, t model.OrderTask) (*Result, error) {
	bg := context.WithoutCancel(ctx)
	runID := uuid.NewString()
	start := e.now()

	if err := e.begin(bg, r, &t, runID, start); err != nil {
		return nil, err
	}

	log := e.logger.WithFields(logrus.Fields{
		"order_id": t.OrderID,
		"task_id":  t.ID,
		"seq":      t.Seq,
		"run_id":   runID,
	})

	affected, artifactKey, execErr := e.exec(bg, r, t)
	elapsed := e.now().Sub(start)

	status := model.TaskStatusSuccess
	message := ""
	if execErr != nil {
		status = model.TaskStatusFailed
		message = execErr.Error()
		if errors.Is(execErr, context.DeadlineExceeded) {
			message = fmt.Sprintf("statement timed out after %s", e.timeout)
		}
		log.WithError(execErr).Warn("Task failed")
	} else {
		log.WithField("affected_rows", affected).Info("Task succeeded")
	}

	if err := e.finish(bg, r, &t, status, affected, elapsed, message, artifactKey); err != nil {
		return nil, err
	}
	e.metrics.ObserveTask(string(r.order.OrderType), string(status), elapsed)

	return &Result{
		TaskID:        t.ID,
		Seq:           t.Seq,
		Status:        status,
		Success:       status == model.TaskStatusSuccess,
		Message:       message,
		AffectedRows:  affected,
		ExecutionTime: elapsed.Milliseconds(),
	}, nil
}

func (e *Executor) begin(ctx context.Context, r *run, t *model.OrderTask, runID string, start time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.orders.Commit(ctx, func(tx *gorm.DB) ([]notify.Event, error) {
		res := tx.Model(&model.OrderTask{}).
			Where("id = ? AND status = ?", t.ID, model.TaskStatusPending).
			Updates(map[string]any{
				"status":       model.TaskStatusRunning,
				"run_id":       runID,
				"execute_time": start,
			})
		if res.Error != nil {
			return nil, httpx.ErrDatabaseError("failed to start task", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, httpx.ErrConflict(fmt.Sprintf("task %d is no longer pending", t.ID))
		}
		t.Status, t.RunID = model.TaskStatusRunning, runID

		if r.order.Status != model.OrderStatusTasksGenerated {
			return nil, nil
		}
		ev, err := e.orders.Transition(tx, r.order, order.Change{
			To:       model.OrderStatusExecuting,
			Action:   model.OpActionExecute,
			Operator: r.caller.Username,
			Comment:  fmt.Sprintf("task #%d started", t.Seq),
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
}

func (e *Executor) exec(ctx context.Context, r *run, t model.OrderTask) (int64, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if r.order.OrderType != model.OrderTypeExport {
		affected, err := e.runner.Exec(ctx, r.target, t.SQLContent)
		return affected, "", err
	}

	if e.artifacts == nil {
		return 0, "", errors.New("no artifact store configured")
	}
	key := artifact.NewKey(t.OrderID, t.ID)
	pr, pw := io.Pipe()
	var rows int64
	done := make(chan error, 1)
	go func() {
		n, err := e.runner.Export(ctx, r.target, t.SQLContent, pw)
		rows = n
		pw.CloseWithError(err)
		done <- err
	}()
	putErr := e.artifacts.Put(ctx, key, pr, -1, "text/csv")
	if putErr != nil {
		pr.CloseWithError(putErr)
	}
	if err := <-done; err != nil {
		return 0, "", err
	}
	if putErr != nil {
		return 0, "", putErr
	}
	return rows, key, nil
}

func (e *Executor) finish(ctx context.Context, r *run, t *model.OrderTask, status model.TaskStatus, affected int64, elapsed time.Duration, message, artifactKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.orders.Commit(ctx, func(tx *gorm.DB) ([]notify.Event, error) {
		res := tx.Model(&model.OrderTask{}).
			Where("id = ? AND status = ?", t.ID, model.TaskStatusRunning).
			Updates(map[string]any{
				"status":        status,
				"affected_rows": affected,
				"duration":      elapsed.Milliseconds(),
				"error_message": message,
				"artifact_key":  artifactKey,
			})
		if res.Error != nil {
			return nil, httpx.ErrDatabaseError("failed to record task result", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, httpx.ErrConflict(fmt.Sprintf("task %d is no longer running", t.ID))
		}
		t.Status = status

		to, err := nextOrderStatus(tx, r.order)
		if err != nil {
			return nil, err
		}
		comment := fmt.Sprintf("task #%d %s, %d rows, %dms", t.Seq, status, affected, elapsed.Milliseconds())
		if message != "" {
			comment += ": " + message
		}
		ev, err := e.orders.Transition(tx, r.order, order.Change{
			To:       to,
			Action:   model.OpActionExecute,
			Operator: r.caller.Username,
			Comment:  comment,
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
}

// nextOrderStatus keeps the order executing while tasks are unresolved,
// then settles on done when every task succeeded and failed otherwise
func nextOrderStatus(tx *gorm.DB, o *model.Order) (model.OrderStatus, error) {
	var counts []struct {
		Status model.TaskStatus
		N      int64
	}
	err := tx.Model(&model.OrderTask{}).
		Select("status, COUNT(*) AS n").
		Where("order_id = ?", o.ID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return "", httpx.ErrDatabaseError("failed to count tasks", err)
	}
	var unresolved, failed int64
	for _, c := range counts {
		switch c.Status {
		case model.TaskStatusPending, model.TaskStatusRunning:
			unresolved += c.N
		case model.TaskStatusFailed:
			failed += c.N
		}
	}
	switch {
	case unresolved > 0:
		return o.Status, nil
	case failed > 0:
		return model.OrderStatusFailed, nil
	default:
		return model.OrderStatusDone, nil
	}
}
