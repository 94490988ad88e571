// Package targetdbtest provides an in-memory targetdb.Runner for tests.
package targetdbtest

import (
	"context"
	"encoding/csv"
	"io"
	"sync"
	"time"

	"go_dbchange/internal/targetdb"
)

// Runner records executed statements and replays canned results
type Runner struct {
	mu sync.Mutex

	Fail        map[string]error // statement text -> error
	Affected    map[string]int64 // statement text -> affected rows
	Estimates   map[string]int64 // statement text -> estimated rows
	EstimateErr map[string]error // statement text -> explain error
	Schemas     map[int][]string // instance id -> schemas
	ExportRows  [][]string       // first row is the header
	Delay       time.Duration    // applied to Exec and Estimate
	Executed    []string
}

// New creates an empty fake runner
func New() *Runner {
	return &Runner{
		Fail:        map[string]error{},
		Affected:    map[string]int64{},
		Estimates:   map[string]int64{},
		EstimateErr: map[string]error{},
		Schemas:     map[int][]string{},
	}
}

func (r *Runner) wait(ctx context.Context) error {
	if r.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(r.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exec implements targetdb.Runner
func (r *Runner) Exec(ctx context.Context, t targetdb.Target, stmt string) (int64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Executed = append(r.Executed, stmt)
	if err := r.Fail[stmt]; err != nil {
		return 0, err
	}
	return r.Affected[stmt], nil
}

// Export implements targetdb.Runner
func (r *Runner) Export(ctx context.Context, t targetdb.Target, stmt string, w io.Writer) (int64, error) {
	r.mu.Lock()
	r.Executed = append(r.Executed, stmt)
	err := r.Fail[stmt]
	rows := r.ExportRows
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int64(len(rows) - 1), nil
}

// Estimate implements targetdb.Runner
func (r *Runner) Estimate(ctx context.Context, t targetdb.Target, stmt string) (int64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.EstimateErr[stmt]; err != nil {
		return 0, err
	}
	return r.Estimates[stmt], nil
}

// ListSchemas implements targetdb.Runner
func (r *Runner) ListSchemas(ctx context.Context, t targetdb.Target) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Fail["LIST_SCHEMAS"]; err != nil {
		return nil, err
	}
	return append([]string(nil), r.Schemas[t.InstanceID]...), nil
}

// ExecutedStatements returns a copy of the statements run so far
func (r *Runner) ExecutedStatements() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Executed...)
}
