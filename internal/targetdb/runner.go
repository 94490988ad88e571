// Package targetdb talks to the managed database instances that orders change.
package targetdb

import (
	"context"
	"errors"
	"io"
)

// ErrUnsupported is returned for database types the runner cannot drive
var ErrUnsupported = errors.New("unsupported database type")

// Target 一次执行的目标实例和库
type Target struct {
	InstanceID int
	DBType     string
	Host       string
	Port       int
	Schema     string
}

// Runner executes statements against a target instance
type Runner interface {
	// Exec runs a DDL/DML statement and returns the affected row count
	Exec(ctx context.Context, t Target, stmt string) (int64, error)
	// Export runs a query and streams the result to w as CSV, returning the row count
	Export(ctx context.Context, t Target, stmt string, w io.Writer) (int64, error)
	// Estimate returns the optimizer's row estimate for stmt
	Estimate(ctx context.Context, t Target, stmt string) (int64, error)
	// ListSchemas returns the user schemas of the instance
	ListSchemas(ctx context.Context, t Target) ([]string, error)
}
