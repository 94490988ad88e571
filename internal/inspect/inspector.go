// Package inspect runs per-statement rule checks on a change script.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"go_dbchange/internal/config"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/metrics"
	"go_dbchange/internal/model"
	"go_dbchange/internal/sqlsplit"
	"go_dbchange/internal/targetdb"
)

// Policy 检查阈值
type Policy struct {
	FailLevel       Level
	NoWhereLevel    Level
	DropLevel       Level
	TruncateLevel   Level
	MaxAffectedRows int64
}

// PolicyFromConfig converts the inspector configuration section
func PolicyFromConfig(cfg config.InspectorConfig) Policy {
	return Policy{
		FailLevel:       ParseLevel(cfg.FailLevel),
		NoWhereLevel:    ParseLevel(cfg.NoWhereLevel),
		DropLevel:       ParseLevel(cfg.DropLevel),
		TruncateLevel:   ParseLevel(cfg.TruncateLevel),
		MaxAffectedRows: cfg.MaxAffectedRows,
	}
}

// Request 检查请求
type Request struct {
	SQL       string
	OrderType model.OrderType
	Target    targetdb.Target
}

// Inspector checks change scripts; it never writes anything
type Inspector struct {
	runner  targetdb.Runner
	policy  Policy
	timeout time.Duration
	metrics *metrics.Collector
	logger  *logrus.Entry
}

// New creates an inspector
func New(runner targetdb.Runner, cfg config.InspectorConfig, m *metrics.Collector, logger *logrus.Entry) *Inspector {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Inspector{
		runner:  runner,
		policy:  PolicyFromConfig(cfg),
		timeout: timeout,
		metrics: m,
		logger:  logger.WithField("component", "inspector"),
	}
}

var (
	alterDropRe  = regexp.MustCompile(`^alter\s+table\b.*\bdrop\s+(column|index|key|primary|partition|foreign)\b`)
	insertColsRe = regexp.MustCompile(`^(insert|replace)\s+(low_priority\s+|delayed\s+|high_priority\s+)?(ignore\s+)?(into\s+)?[^\s(]+\s*\(`)
	insertSetRe  = regexp.MustCompile(`^(insert|replace)\b.*\bset\b`)
	selectStarRe = regexp.MustCompile(`(^|[\s(])select\s+(distinct\s+)?\*`)
)

// Check inspects every statement of req.SQL. The check is bounded by the
// configured timeout and is not cancelled when ctx is; a timeout yields
// an AppError with CodeTimeout.
func (i *Inspector) Check(ctx context.Context, req Request) (*Result, error) {
	if !req.OrderType.Valid() {
		return nil, httpx.ErrValidation(fmt.Sprintf("unknown order type %q", req.OrderType))
	}
	stmts := sqlsplit.Split(req.SQL, sqlsplit.DialectFor(req.Target.DBType))
	if len(stmts) == 0 {
		return nil, httpx.ErrValidation("sql contains no statement")
	}

	start := time.Now()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	defer cancel()

	res, err := i.check(cctx, req, stmts)
	outcome := "pass"
	switch {
	case err != nil && httpx.IsCode(err, httpx.CodeTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	case !res.Passed():
		outcome = "fail"
	}
	i.metrics.ObserveInspect(outcome, time.Since(start))
	i.logger.WithFields(logrus.Fields{
		"instance_id": req.Target.InstanceID,
		"statements":  len(stmts),
		"outcome":     outcome,
	}).Debug("Syntax inspection finished")
	return res, err
}

func (i *Inspector) check(ctx context.Context, req Request, stmts []sqlsplit.Statement) (*Result, error) {
	res := &Result{Data: make([]StatementResult, 0, len(stmts)), Status: StatusPass}
	seen := make(map[string]int, len(stmts))

	for _, stmt := range stmts {
		sr := StatementResult{
			Level:    LevelInfo,
			Type:     string(stmt.Kind),
			FingerID: stmt.Fingerprint,
			Query:    stmt.Text,
		}

		i.checkKind(&sr, req.OrderType, stmt)
		i.checkRules(&sr, req, stmt)

		if first, dup := seen[stmt.Fingerprint]; dup {
			sr.add(LevelWarning, fmt.Sprintf("duplicate of statement #%d", first))
		} else {
			seen[stmt.Fingerprint] = stmt.Seq
		}

		if err := i.estimate(ctx, &sr, req, stmt); err != nil {
			return nil, err
		}

		if sr.Level.AtLeast(i.policy.FailLevel) {
			res.Status = StatusFail
		}
		res.Data = append(res.Data, sr)
	}
	return res, nil
}

// checkKind enforces that every statement matches the order type
func (i *Inspector) checkKind(sr *StatementResult, orderType model.OrderType, stmt sqlsplit.Statement) {
	if stmt.Kind == sqlsplit.KindOther {
		sr.add(LevelError, fmt.Sprintf("%s statements are not allowed in a change order", stmt.Keyword))
		return
	}
	want := map[model.OrderType]sqlsplit.Kind{
		model.OrderTypeDDL:    sqlsplit.KindDDL,
		model.OrderTypeDML:    sqlsplit.KindDML,
		model.OrderTypeExport: sqlsplit.KindSelect,
	}[orderType]
	if stmt.Kind != want {
		sr.add(LevelError, fmt.Sprintf("%s order only accepts %s statements, got %s", orderType, want, stmt.Kind))
	}
}

func (i *Inspector) checkRules(sr *StatementResult, req Request, stmt sqlsplit.Statement) {
	dialect := sqlsplit.DialectFor(req.Target.DBType)
	norm := sqlsplit.Normalize(stmt.Text, dialect)
	switch stmt.Verb {
	case "UPDATE", "DELETE":
		// 子查询里的 WHERE 不算
		if !sqlsplit.HasTopLevelWord(stmt.Text, dialect, "WHERE") {
			sr.add(i.policy.NoWhereLevel, fmt.Sprintf("%s without WHERE affects every row", stmt.Verb))
		}
	case "INSERT", "REPLACE":
		if !insertColsRe.MatchString(norm) && !insertSetRe.MatchString(norm) {
			sr.add(LevelWarning, "INSERT should list its target columns")
		}
	case "DROP":
		sr.add(i.policy.DropLevel, "DROP removes the object and its data")
	case "TRUNCATE":
		sr.add(i.policy.TruncateLevel, "TRUNCATE removes every row")
	case "ALTER":
		if alterDropRe.MatchString(norm) {
			sr.add(i.policy.DropLevel, "ALTER TABLE drops a column, index or partition")
		}
	}
	if req.OrderType == model.OrderTypeExport && selectStarRe.MatchString(norm) {
		sr.add(LevelNotice, "SELECT * exports every column, list the columns explicitly")
	}
}

// estimate asks the target for a row estimate of UPDATE/DELETE statements
func (i *Inspector) estimate(ctx context.Context, sr *StatementResult, req Request, stmt sqlsplit.Statement) error {
	if req.OrderType == model.OrderTypeExport || req.Target.DBType == model.DBTypeClickHouse {
		return nil
	}
	if stmt.Verb != "UPDATE" && stmt.Verb != "DELETE" {
		return nil
	}

	rows, err := i.runner.Estimate(ctx, req.Target, stmt.Text)
	switch {
	case err == nil:
	case errors.Is(err, targetdb.ErrUnsupported):
		return nil
	case ctx.Err() != nil:
		return httpx.ErrTimeout(fmt.Sprintf("syntax inspection exceeded %s", i.timeout), err)
	default:
		sr.add(LevelError, fmt.Sprintf("EXPLAIN failed: %v", err))
		return nil
	}

	sr.AffectedRows = rows
	if i.policy.MaxAffectedRows > 0 && rows > i.policy.MaxAffectedRows {
		sr.add(LevelWarning, fmt.Sprintf("estimated %d affected rows exceeds the limit of %d", rows, i.policy.MaxAffectedRows))
	}
	return nil
}
