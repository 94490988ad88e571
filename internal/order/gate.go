package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"go_dbchange/internal/authz"
	"go_dbchange/internal/catalog"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/inspect"
	"go_dbchange/internal/model"
	"go_dbchange/internal/notify"
	"go_dbchange/internal/targetdb"
)

// CheckRequest 提交前的语法检查请求
type CheckRequest struct {
	SQL        string          `json:"sql"`
	InstanceID int             `json:"instanceId"`
	DBType     string          `json:"dbType"`
	SchemaName string          `json:"schemaName"`
	OrderType  model.OrderType `json:"orderType"`
}

// Check runs the inspector for a script that is not an order yet
func (s *Service) Check(ctx context.Context, req CheckRequest) (*inspect.Result, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return nil, httpx.ErrValidation("sql is required")
	}
	if req.OrderType == "" {
		req.OrderType = model.OrderTypeDML
	}

	var target targetdb.Target
	if req.SchemaName != "" {
		resolved, err := s.catalog.Resolve(ctx, req.InstanceID, req.SchemaName)
		if err != nil {
			return nil, err
		}
		target = resolved.Target()
	} else {
		inst, err := s.catalog.GetInstance(ctx, req.InstanceID)
		if err != nil {
			return nil, err
		}
		target = catalog.TargetOf(inst, "")
	}
	if req.DBType != "" && !strings.EqualFold(req.DBType, target.DBType) {
		return nil, httpx.ErrValidation(fmt.Sprintf("instance %d is %s, not %s", req.InstanceID, target.DBType, req.DBType))
	}

	return s.inspector.Check(ctx, inspect.Request{SQL: req.SQL, OrderType: req.OrderType, Target: target})
}

// Inspect re-runs the inspector on a pending order and moves it to
// under_review (passed or acknowledged) or syntax_failed. The check runs
// outside the order lock; the transition fails with Conflict when the
// order changed in the meantime. A timeout leaves the order pending.
func (s *Service) Inspect(ctx context.Context, caller authz.Caller, orderID int) (*inspect.Result, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != model.OrderStatusPending {
		return nil, httpx.ErrInvalidState(fmt.Sprintf("order %d is %s, only pending orders are inspected", o.ID, o.Status))
	}

	to := model.OrderStatusSyntaxFailed
	var (
		res     *inspect.Result
		comment string
	)
	resolved, err := s.catalog.Resolve(ctx, o.InstanceID, o.SchemaName)
	if err == nil {
		res, err = s.inspector.Check(ctx, inspect.Request{SQL: o.SQLContent, OrderType: o.OrderType, Target: resolved.Target()})
	}
	switch {
	case err == nil:
		comment = summarize(res)
		if res.Passed() {
			to = model.OrderStatusUnderReview
		} else if o.Acknowledged {
			to = model.OrderStatusUnderReview
			comment += ", acknowledged by applicant"
		}
	case httpx.IsCode(err, httpx.CodeParamInvalid):
		comment = httpx.AsAppError(err).Message
	default:
		s.logger.WithError(err).WithField("order_id", o.ID).Warn("Order inspection did not complete")
		return nil, err
	}

	var findings datatypes.JSON
	if res != nil {
		b, err := json.Marshal(res)
		if err != nil {
			return nil, httpx.ErrInternalError("failed to encode findings", err)
		}
		findings = b
	}

	err = s.Mutate(ctx, orderID, func(tx *gorm.DB) ([]notify.Event, error) {
		cur, _, err := s.Load(tx, orderID)
		if err != nil {
			return nil, err
		}
		if cur.Version != o.Version {
			return nil, httpx.ErrConflict(fmt.Sprintf("order %d changed during inspection", orderID))
		}
		ev, err := s.Transition(tx, cur, Change{
			To:       to,
			Action:   model.OpActionInspect,
			Operator: caller.Username,
			Comment:  comment,
			Fields:   map[string]any{"check_findings": findings},
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"status":   to,
	}).Info("Order inspected")
	return res, nil
}

func summarize(res *inspect.Result) string {
	counts := map[inspect.Level]int{}
	for _, d := range res.Data {
		counts[d.Level]++
	}
	verdict := "passed"
	if !res.Passed() {
		verdict = "failed"
	}
	return fmt.Sprintf("syntax check %s: %d statements, %d error, %d warning, %d notice",
		verdict, len(res.Data), counts[inspect.LevelError], counts[inspect.LevelWarning], counts[inspect.LevelNotice])
}

// InspectPending runs the inspection gate on orders still pending, oldest
// first. Failures are logged and the order is retried on the next run.
func (s *Service) InspectPending(ctx context.Context, limit int) int {
	var ids []int
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("status = ?", model.OrderStatusPending).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		s.logger.WithError(err).Error("Failed to list pending orders")
		return 0
	}

	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Inspect(ctx, authz.System(), id); err != nil {
			s.logger.WithError(err).WithField("order_id", id).Warn("Inspection gate failed")
			continue
		}
		done++
	}
	return done
}
