package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_dbchange/internal/artifact"
	"go_dbchange/internal/audit"
	"go_dbchange/internal/authz"
	"go_dbchange/internal/catalog"
	"go_dbchange/internal/config"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/lock"
	"go_dbchange/internal/logger"
	"go_dbchange/internal/model"
	"go_dbchange/internal/order"
	"go_dbchange/internal/order/ordertest"
	"go_dbchange/internal/sqlsplit"
)

const exampleSQL = "UPDATE t SET x=1; DELETE FROM t WHERE id=5;"

type fixture struct {
	*ordertest.Env
	gen   *Generator
	exec  *Executor
	store *artifact.LocalStore
}

func defaultExecutorConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		StatementTimeoutSec:   60,
		ExportContinueOnError: true,
		MaxParallel:           2,
	}
}

func newFixture(t *testing.T, cfg config.ExecutorConfig) *fixture {
	t.Helper()
	env := ordertest.New(t)
	store, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	log := logger.Discard()
	return &fixture{
		Env:   env,
		gen:   NewGenerator(env.Orders, log),
		exec:  NewExecutor(env.Orders, catalog.NewService(env.DB, env.Runner, log), env.Runner, store, cfg, nil, log),
		store: store,
	}
}

func (f *fixture) alice() authz.Caller { return ordertest.Caller(f.Catalog.Alice) }

func (f *fixture) generated(t *testing.T, orderType model.OrderType, sql string) (*model.Order, []model.OrderTask) {
	t.Helper()
	o := f.Approved(t, orderType, sql)
	tasks, err := f.gen.Generate(context.Background(), f.alice(), o.ID)
	require.NoError(t, err)
	return o, tasks
}

func (f *fixture) status(t *testing.T, orderID int) model.OrderStatus {
	t.Helper()
	o, err := f.Orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

func (f *fixture) taskCount(orderID int) int64 {
	var n int64
	f.DB.Model(&model.OrderTask{}).Where("order_id = ?", orderID).Count(&n)
	return n
}

func (f *fixture) taskStatuses(t *testing.T, orderID int) []model.TaskStatus {
	t.Helper()
	var tasks []model.OrderTask
	require.NoError(t, f.DB.Where("order_id = ?", orderID).Order("seq ASC").Find(&tasks).Error)
	out := make([]model.TaskStatus, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.Status)
	}
	return out
}

func TestExampleScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	f.Runner.Fail["DELETE FROM t WHERE id=5"] = errors.New("[1205] Lock wait timeout exceeded")

	o := f.Approved(t, model.OrderTypeDML, exampleSQL)

	preview, err := f.gen.Preview(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, preview.TotalCount)
	assert.Zero(t, f.taskCount(o.ID), "preview writes nothing")

	tasks, err := f.gen.Generate(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "UPDATE t SET x=1", tasks[0].SQLContent)
	assert.Equal(t, "DELETE FROM t WHERE id=5", tasks[1].SQLContent)
	assert.Equal(t, model.OrderStatusTasksGenerated, f.status(t, o.ID))

	listed, err := f.gen.Tasks(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	for i := range listed {
		assert.Equal(t, preview.Tasks[i].SQLContent, listed[i].SQLContent)
		assert.Equal(t, preview.Tasks[i].Seq, listed[i].Seq)
		assert.Equal(t, sqlsplit.Fingerprint(listed[i].SQLContent, sqlsplit.MySQL), listed[i].Fingerprint)
	}

	res, err := f.exec.ExecuteSingle(ctx, f.alice(), tasks[0].ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.OrderStatusExecuting, f.status(t, o.ID))

	res, err = f.exec.ExecuteSingle(ctx, f.alice(), tasks[1].ID)
	require.NoError(t, err, "execution failures are results, not errors")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Lock wait timeout")

	assert.Equal(t, model.OrderStatusFailed, f.status(t, o.ID))
	assert.Equal(t, []model.TaskStatus{model.TaskStatusSuccess, model.TaskStatusFailed}, f.taskStatuses(t, o.ID))

	logs, err := f.Orders.OpLogs(ctx, o.ID)
	require.NoError(t, err)
	replayed, err := audit.Replay(logs)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFailed, replayed)
}

func TestGenerate_AlreadyGenerated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	o, _ := f.generated(t, model.OrderTypeDML, exampleSQL)

	_, err := f.gen.Generate(ctx, f.alice(), o.ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeAlreadyGenerated))
	assert.EqualValues(t, 2, f.taskCount(o.ID))

	_, err = f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	_, err = f.gen.Generate(ctx, f.alice(), o.ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeAlreadyGenerated), "no regeneration after execution either")
	assert.EqualValues(t, 2, f.taskCount(o.ID))
}

func TestGenerate_RequiresApprovedOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	o, err := f.Orders.Create(ctx, f.alice(), f.Request(model.OrderTypeDML, exampleSQL))
	require.NoError(t, err)

	_, err = f.gen.Generate(ctx, f.alice(), o.ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeStateConflict))
	assert.Zero(t, f.taskCount(o.ID))

	_, err = f.gen.Generate(ctx, ordertest.Caller(f.Catalog.Dave), o.ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeForbidden))
}

func TestTasksExistOnlyInTaskStatuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())

	check := func(orderID int) {
		t.Helper()
		status := f.status(t, orderID)
		n := f.taskCount(orderID)
		if status.HasTasks() {
			assert.NotZero(t, n, "status %s should own tasks", status)
		} else if status != model.OrderStatusClosed {
			assert.Zero(t, n, "status %s should own no tasks", status)
		}
	}

	o, err := f.Orders.Create(ctx, f.alice(), f.Request(model.OrderTypeDML, exampleSQL))
	require.NoError(t, err)
	check(o.ID)
	_, err = f.Orders.Inspect(ctx, authz.System(), o.ID)
	require.NoError(t, err)
	check(o.ID)
	_, err = f.Orders.Review(ctx, ordertest.Caller(f.Catalog.Bob), order.ReviewRequest{OrderID: o.ID, Approved: true})
	require.NoError(t, err)
	_, err = f.Orders.Approve(ctx, ordertest.Caller(f.Catalog.Carol), order.ApproveRequest{OrderID: o.ID})
	require.NoError(t, err)
	check(o.ID)
	_, err = f.gen.Generate(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	check(o.ID)
	_, err = f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	check(o.ID)
	assert.Equal(t, model.OrderStatusDone, f.status(t, o.ID))

	closedEarly, err := f.Orders.Create(ctx, f.alice(), f.Request(model.OrderTypeDML, exampleSQL))
	require.NoError(t, err)
	_, err = f.Orders.Close(ctx, f.alice(), order.CloseRequest{OrderID: closedEarly.ID, Reason: "dup"})
	require.NoError(t, err)
	assert.Zero(t, f.taskCount(closedEarly.ID))
	_, err = f.gen.Generate(ctx, f.alice(), closedEarly.ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeStateConflict))
}

func TestExecuteSingle_Preconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	o, tasks := f.generated(t, model.OrderTypeDML, "UPDATE t SET a=1 WHERE id=1; UPDATE t SET a=2 WHERE id=2;")

	_, err := f.exec.ExecuteSingle(ctx, f.alice(), tasks[1].ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeOutOfOrder))
	assert.Empty(t, f.Runner.ExecutedStatements())

	_, err = f.exec.ExecuteSingle(ctx, ordertest.Caller(f.Catalog.Dave), tasks[0].ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeForbidden))

	_, err = f.exec.ExecuteSingle(ctx, ordertest.Caller(f.Catalog.Carol), tasks[0].ID)
	require.NoError(t, err)
	_, err = f.exec.ExecuteSingle(ctx, f.alice(), tasks[0].ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeStateConflict), "task already resolved")

	_, err = f.exec.ExecuteSingle(ctx, f.alice(), 99999)
	assert.True(t, httpx.IsCode(err, httpx.CodeNotFound))

	_, err = f.exec.ExecuteSingle(ctx, f.alice(), tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusDone, f.status(t, o.ID))
}

func TestExecuteAll_StopOnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	f.Runner.Fail["UPDATE t SET a=1 WHERE id=1"] = errors.New("boom")
	o, _ := f.generated(t, model.OrderTypeDML, "UPDATE t SET a=1 WHERE id=1; UPDATE t SET a=2 WHERE id=2;")

	res, err := f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Results, 1)
	assert.Equal(t, model.OrderStatusFailed, res.OrderStatus)

	assert.Equal(t, []model.TaskStatus{model.TaskStatusFailed, model.TaskStatusPending}, f.taskStatuses(t, o.ID))
	assert.Equal(t, model.OrderStatusFailed, f.status(t, o.ID))
	assert.Equal(t, []string{"UPDATE t SET a=1 WHERE id=1"}, f.Runner.ExecutedStatements())

	_, err = f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeStateConflict), "failed orders do not run again")
}

func TestExecuteAll_ContinueOnError(t *testing.T) {
	ctx := context.Background()
	cfg := defaultExecutorConfig()
	cfg.DMLContinueOnError = true
	f := newFixture(t, cfg)
	f.Runner.Fail["UPDATE t SET a=1 WHERE id=1"] = errors.New("boom")
	o, _ := f.generated(t, model.OrderTypeDML, "UPDATE t SET a=1 WHERE id=1; UPDATE t SET a=2 WHERE id=2;")

	res, err := f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	assert.Len(t, res.Results, 2)
	assert.Equal(t, []model.TaskStatus{model.TaskStatusFailed, model.TaskStatusSuccess}, f.taskStatuses(t, o.ID))
	assert.Equal(t, model.OrderStatusFailed, f.status(t, o.ID), "done only if every task succeeded")
}

func TestExecuteAll_ResumesWithoutRerunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	f.Runner.Affected["UPDATE t SET a=1 WHERE id=1"] = 3
	o, tasks := f.generated(t, model.OrderTypeDML, "UPDATE t SET a=1 WHERE id=1; UPDATE t SET a=2 WHERE id=2; UPDATE t SET a=3 WHERE id=3;")

	res, err := f.exec.ExecuteSingle(ctx, f.alice(), tasks[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.AffectedRows)

	all, err := f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	assert.True(t, all.Success)
	assert.Len(t, all.Results, 2)
	assert.Equal(t, []string{
		"UPDATE t SET a=1 WHERE id=1",
		"UPDATE t SET a=2 WHERE id=2",
		"UPDATE t SET a=3 WHERE id=3",
	}, f.Runner.ExecutedStatements())

	_, err = f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeStateConflict))
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	o, tasks := f.generated(t, model.OrderTypeDML, "UPDATE t SET a=1 WHERE id=1; UPDATE t SET a=2 WHERE id=2;")

	// simulate a crash after the first task started
	require.NoError(t, f.DB.Model(&model.OrderTask{}).Where("id = ?", tasks[0].ID).Update("status", model.TaskStatusRunning).Error)
	require.NoError(t, f.DB.Model(&model.Order{}).Where("id = ?", o.ID).Update("status", model.OrderStatusExecuting).Error)

	_, err := f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeOutOfOrder))

	n, err := f.exec.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var first model.OrderTask
	require.NoError(t, f.DB.First(&first, tasks[0].ID).Error)
	assert.Equal(t, model.TaskStatusFailed, first.Status)
	assert.Contains(t, first.ErrorMessage, "interrupted")
	assert.Equal(t, model.OrderStatusExecuting, f.status(t, o.ID))

	_, err = f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"UPDATE t SET a=2 WHERE id=2"}, f.Runner.ExecutedStatements())
	assert.Equal(t, model.OrderStatusFailed, f.status(t, o.ID))

	n, err = f.exec.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecover_RetriesOrderWhoseLeaseIsStillHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	o, tasks := f.generated(t, model.OrderTypeDML, "UPDATE t SET a=1 WHERE id=1; UPDATE t SET a=2 WHERE id=2;")

	require.NoError(t, f.DB.Model(&model.OrderTask{}).Where("id = ?", tasks[0].ID).Update("status", model.TaskStatusRunning).Error)
	require.NoError(t, f.DB.Model(&model.Order{}).Where("id = ?", o.ID).Update("status", model.OrderStatusExecuting).Error)

	// the crashed process's lease has not expired yet
	lease, err := f.Locker.Acquire(ctx, lock.OrderKey(o.ID))
	require.NoError(t, err)

	n, err := f.exec.Recover(ctx)
	require.Error(t, err)
	assert.True(t, httpx.IsCode(err, httpx.CodeConflict), "got %v", err)
	assert.Contains(t, err.Error(), fmt.Sprintf("order %d", o.ID))
	assert.Zero(t, n)

	var first model.OrderTask
	require.NoError(t, f.DB.First(&first, tasks[0].ID).Error)
	assert.Equal(t, model.TaskStatusRunning, first.Status)

	require.NoError(t, lease.Release(ctx))

	n, err = f.exec.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, []string{"UPDATE t SET a=2 WHERE id=2"}, f.Runner.ExecutedStatements())
}

func TestExecute_StatementTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	f.exec.timeout = 20 * time.Millisecond
	o, tasks := f.generated(t, model.OrderTypeDML, "UPDATE t SET a=1 WHERE id=1;")
	f.Runner.Delay = time.Second

	res, err := f.exec.ExecuteSingle(ctx, f.alice(), tasks[0].ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "timed out")
	assert.Equal(t, model.OrderStatusFailed, f.status(t, o.ID))
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	cfg := defaultExecutorConfig()
	cfg.ExportParallel = true
	f := newFixture(t, cfg)
	f.Runner.ExportRows = [][]string{{"id", "name"}, {"1", "a"}, {"2", "b"}}
	o, tasks := f.generated(t, model.OrderTypeExport, "SELECT id, name FROM users; SELECT id, name FROM admins; SELECT id, name FROM guests;")

	res, err := f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Results, 3)
	for i, r := range res.Results {
		assert.Equal(t, i+1, r.Seq, "results are reported in statement order")
		assert.EqualValues(t, 2, r.AffectedRows)
	}

	art, err := f.exec.Download(ctx, ordertest.Caller(f.Catalog.Dave), tasks[0].ID)
	require.NoError(t, err)
	defer art.Body.Close()
	body, _ := io.ReadAll(art.Body)
	assert.Equal(t, "id,name\n1,a\n2,b\n", string(body))
	assert.Equal(t, fmt.Sprintf("order-%d-task-1.csv", o.ID), art.Name)

	_, err = f.exec.Download(ctx, authz.Caller{UID: 999, Username: "eve"}, tasks[0].ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeForbidden))
}

func TestExport_FailureContinues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	f.Runner.ExportRows = [][]string{{"id"}, {"1"}}
	f.Runner.Fail["SELECT id FROM missing"] = errors.New("[1146] Table 'shop.missing' doesn't exist")
	o, tasks := f.generated(t, model.OrderTypeExport, "SELECT id FROM missing; SELECT id FROM users;")

	res, err := f.exec.ExecuteAll(ctx, f.alice(), o.ID)
	require.NoError(t, err)
	assert.Len(t, res.Results, 2, "export orders continue on error by default")
	assert.Equal(t, model.OrderStatusFailed, res.OrderStatus)

	_, err = f.exec.Download(ctx, f.alice(), tasks[0].ID)
	assert.True(t, httpx.IsCode(err, httpx.CodeNotFound))
	art, err := f.exec.Download(ctx, f.alice(), tasks[1].ID)
	require.NoError(t, err)
	art.Body.Close()
}

func TestRunScheduled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultExecutorConfig())
	due, _ := f.generated(t, model.OrderTypeDML, "UPDATE t SET a=1 WHERE id=1;")
	later, _ := f.generated(t, model.OrderTypeDML, "UPDATE t SET a=2 WHERE id=2;")
	unscheduled, _ := f.generated(t, model.OrderTypeDML, "UPDATE t SET a=3 WHERE id=3;")

	now := time.Now()
	require.NoError(t, f.DB.Model(&model.Order{}).Where("id = ?", due.ID).Update("schedule_time", now.Add(-time.Minute)).Error)
	require.NoError(t, f.DB.Model(&model.Order{}).Where("id = ?", later.ID).Update("schedule_time", now.Add(time.Hour)).Error)

	assert.Equal(t, 1, f.exec.RunScheduled(ctx, now))
	assert.Equal(t, model.OrderStatusDone, f.status(t, due.ID))
	assert.Equal(t, model.OrderStatusTasksGenerated, f.status(t, later.ID))
	assert.Equal(t, model.OrderStatusTasksGenerated, f.status(t, unscheduled.ID))

	logs, err := f.Orders.OpLogs(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, authz.SystemOperator, logs[len(logs)-1].Operator)
}

func TestPolicyFor(t *testing.T) {
	e := &Executor{cfg: config.ExecutorConfig{ExportContinueOnError: true, ExportParallel: true}}
	assert.Equal(t, Policy{}, e.PolicyFor(model.OrderTypeDDL))
	assert.Equal(t, Policy{}, e.PolicyFor(model.OrderTypeDML))
	assert.Equal(t, Policy{ContinueOnError: true, Parallel: true}, e.PolicyFor(model.OrderTypeExport))
}
