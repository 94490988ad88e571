// Package scheduler runs the periodic background jobs of the service.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"go_dbchange/internal/catalog"
	"go_dbchange/internal/config"
)

// inspectBatch 每轮最多检查的待检工单数
const inspectBatch = 50

// OrderInspector runs the inspection gate over pending orders
type OrderInspector interface {
	InspectPending(ctx context.Context, limit int) int
}

// ScheduledRunner executes orders whose execute time has come
type ScheduledRunner interface {
	RunScheduled(ctx context.Context, now time.Time) int
}

// SchemaSyncer refreshes schema metadata from managed instances
type SchemaSyncer interface {
	SyncSchemas(ctx context.Context) []catalog.SyncResult
}

// TaskRecoverer fails tasks left running by a stopped executor
type TaskRecoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Jobs 后台任务依赖；为 nil 的任务不注册
type Jobs struct {
	Inspector OrderInspector
	Runner    ScheduledRunner
	Syncer    SchemaSyncer
	Recoverer TaskRecoverer
}

// Scheduler 定时任务管理器
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Entry
	now    func() time.Time
}

// New creates a scheduler with second-level cron specs. A run still in
// progress when the next tick fires is skipped.
func New(logger *logrus.Entry) *Scheduler {
	log := logger.WithField("component", "scheduler")
	cl := cron.PrintfLogger(log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
		logger: log,
		now:    time.Now,
	}
}

// Add registers a named job
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := s.now()
		fn(s.ctx)
		s.logger.WithFields(logrus.Fields{
			"job":      name,
			"duration": s.now().Sub(start).String(),
		}).Debug("Job finished")
	})
	if err != nil {
		return fmt.Errorf("invalid spec %q for job %s: %w", spec, name, err)
	}
	return nil
}

// Register adds the background jobs of jobs with the specs of cfg
func (s *Scheduler) Register(cfg config.SchedulerConfig, jobs Jobs) error {
	if jobs.Inspector != nil {
		err := s.Add("inspect_pending", cfg.InspectSpec, func(ctx context.Context) {
			if n := jobs.Inspector.InspectPending(ctx, inspectBatch); n > 0 {
				s.logger.WithField("orders", n).Info("Pending orders inspected")
			}
		})
		if err != nil {
			return err
		}
	}
	if jobs.Runner != nil {
		err := s.Add("run_scheduled", cfg.ExecuteSpec, func(ctx context.Context) {
			jobs.Runner.RunScheduled(ctx, s.now())
		})
		if err != nil {
			return err
		}
	}
	if jobs.Recoverer != nil {
		// 启动时被旧租约挡住的工单在这里补做
		err := s.Add("recover_running", cfg.RecoverSpec, func(ctx context.Context) {
			n, err := jobs.Recoverer.Recover(ctx)
			if err != nil {
				s.logger.WithError(err).Warn("Some interrupted tasks are still pending recovery")
			}
			if n > 0 {
				s.logger.WithField("tasks", n).Info("Interrupted tasks recovered")
			}
		})
		if err != nil {
			return err
		}
	}
	if jobs.Syncer != nil {
		err := s.Add("catalog_sync", cfg.CatalogSyncSpec, func(ctx context.Context) {
			failed := 0
			results := jobs.Syncer.SyncSchemas(ctx)
			for _, r := range results {
				if r.Err != nil {
					failed++
				}
			}
			s.logger.WithFields(logrus.Fields{
				"instances": len(results),
				"failed":    failed,
			}).Info("Schema sync finished")
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of registered jobs
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start starts the cron loop in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", s.Len()).Info("Scheduler started")
}

// Stop stops scheduling, cancels running jobs and waits for them or ctx
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with jobs still running")
	}
}
