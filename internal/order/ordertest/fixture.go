// Package ordertest wires an order service over SQLite and a fake target
// runner for tests of the order and task packages.
package ordertest

import (
	"context"
	"sync"
	"testing"

	"gorm.io/gorm"

	"go_dbchange/internal/audit"
	"go_dbchange/internal/authz"
	"go_dbchange/internal/catalog"
	"go_dbchange/internal/config"
	"go_dbchange/internal/inspect"
	"go_dbchange/internal/lock"
	"go_dbchange/internal/logger"
	"go_dbchange/internal/model"
	"go_dbchange/internal/notify"
	"go_dbchange/internal/order"
	"go_dbchange/internal/targetdb/targetdbtest"
	"go_dbchange/internal/testutil"
)

// Recorder is a notify.Publisher keeping every event
type Recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

// Publish implements notify.Publisher
func (r *Recorder) Publish(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

// Env 测试环境
type Env struct {
	DB      *gorm.DB
	Catalog *testutil.Catalog
	Runner  *targetdbtest.Runner
	Locker  lock.Locker
	Events  *Recorder
	Orders  *order.Service
}

// InspectorConfig is the inspection policy used by tests
func InspectorConfig() config.InspectorConfig {
	return config.InspectorConfig{
		TimeoutSec:      600,
		FailLevel:       "error",
		MaxAffectedRows: 100000,
		NoWhereLevel:    "warning",
		DropLevel:       "warning",
		TruncateLevel:   "warning",
	}
}

// New builds a seeded environment
func New(t *testing.T) *Env {
	t.Helper()
	conn := testutil.NewDB(t)
	env := &Env{
		DB:      conn,
		Catalog: testutil.SeedCatalog(t, conn),
		Runner:  targetdbtest.New(),
		Locker:  lock.NewMemoryLocker(lock.Options{}),
		Events:  &Recorder{},
	}
	log := logger.Discard()
	env.Orders = order.NewService(order.Deps{
		DB:        conn,
		Catalog:   catalog.NewService(conn, env.Runner, log),
		Inspector: inspect.New(env.Runner, InspectorConfig(), nil, log),
		Audit:     audit.New(),
		Locker:    env.Locker,
		Events:    env.Events,
		Logger:    log,
	})
	return env
}

// Caller returns the identity of a seeded user
func Caller(u model.User) authz.Caller {
	return authz.Caller{UID: u.ID, Username: u.Username, Role: u.Role}
}

// Request returns a valid create request for sql; alice applies, bob
// reviews, carol audits and dave is copied
func (e *Env) Request(orderType model.OrderType, sql string) order.CreateRequest {
	return order.CreateRequest{
		Title:       "change " + string(orderType),
		SQL:         sql,
		OrderType:   orderType,
		InstanceID:  e.Catalog.Instance.ID,
		Schema:      e.Catalog.Schema.Schema,
		Reviewers:   []int{e.Catalog.Bob.ID},
		Auditors:    []int{e.Catalog.Carol.ID},
		CC:          []int{e.Catalog.Dave.ID},
		CheckPassed: true,
	}
}

// Approved creates an order and drives it to approved
func (e *Env) Approved(t *testing.T, orderType model.OrderType, sql string) *model.Order {
	t.Helper()
	ctx := context.Background()
	o, err := e.Orders.Create(ctx, Caller(e.Catalog.Alice), e.Request(orderType, sql))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := e.Orders.Inspect(ctx, authz.System(), o.ID); err != nil {
		t.Fatalf("Inspect() failed: %v", err)
	}
	if _, err := e.Orders.Review(ctx, Caller(e.Catalog.Bob), order.ReviewRequest{OrderID: o.ID, Approved: true}); err != nil {
		t.Fatalf("Review() failed: %v", err)
	}
	o, err = e.Orders.Approve(ctx, Caller(e.Catalog.Carol), order.ApproveRequest{OrderID: o.ID})
	if err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}
	if o.Status != model.OrderStatusApproved {
		t.Fatalf("Expected approved order, got %s", o.Status)
	}
	return o
}
