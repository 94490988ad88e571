package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"go_dbchange/internal/audit"
	"go_dbchange/internal/authz"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/model"
	"go_dbchange/internal/notify"
	"go_dbchange/internal/sqlsplit"
)

// CreateRequest 提交工单请求
type CreateRequest struct {
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	SQL              string          `json:"sql"`
	OrderType        model.OrderType `json:"orderType"`
	EnvironmentID    int             `json:"environmentId"`
	InstanceID       int             `json:"instanceId"`
	Schema           string          `json:"schemaName"`
	Reviewers        []int           `json:"reviewers"`
	Auditors         []int           `json:"auditors"`
	CC               []int           `json:"ccUsers"`
	ExecuteTime      *time.Time      `json:"executeTime"`
	IsRestrictAccess bool            `json:"isRestrictAccess"`
	CheckPassed      bool            `json:"checkPassed"`
	Acknowledged     bool            `json:"acknowledged"`
}

func (r *CreateRequest) validate() error {
	r.Title = strings.TrimSpace(r.Title)
	r.Schema = strings.TrimSpace(r.Schema)
	switch {
	case r.Title == "":
		return httpx.ErrValidation("title is required")
	case len(r.Title) > 128:
		return httpx.ErrValidation("title is too long")
	case !r.OrderType.Valid():
		return httpx.ErrValidation(fmt.Sprintf("unknown order type %q", r.OrderType))
	case r.InstanceID <= 0:
		return httpx.ErrValidation("instanceId is required")
	case r.Schema == "":
		return httpx.ErrValidation("schemaName is required")
	case strings.TrimSpace(r.SQL) == "":
		return httpx.ErrValidation("sql is required")
	case len(r.Reviewers) == 0:
		return httpx.ErrValidation("at least one reviewer is required")
	case r.OrderType == model.OrderTypeDDL && len(r.Auditors) == 0:
		return httpx.ErrValidation("DDL orders require an auditor")
	case !r.CheckPassed && !r.Acknowledged:
		return httpx.ErrValidation("a passing or acknowledged syntax check is required before commit")
	}
	return nil
}

// Create persists a new order in pending together with its participants
func (s *Service) Create(ctx context.Context, caller authz.Caller, req CreateRequest) (*model.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	resolved, err := s.catalog.Resolve(ctx, req.InstanceID, req.Schema)
	if err != nil {
		return nil, err
	}
	if req.EnvironmentID > 0 && req.EnvironmentID != resolved.Environment.ID {
		return nil, httpx.ErrValidation(fmt.Sprintf("instance %d does not belong to environment %d", req.InstanceID, req.EnvironmentID))
	}
	if len(sqlsplit.Split(req.SQL, sqlsplit.DialectFor(resolved.Instance.DBType))) == 0 {
		return nil, httpx.ErrValidation("sql contains no statement")
	}

	type relationUsers struct {
		relation model.OrderRelation
		users    []model.User
	}
	var groups []relationUsers
	for _, g := range []struct {
		relation model.OrderRelation
		ids      []int
	}{
		{model.OrderRelationReviewer, req.Reviewers},
		{model.OrderRelationAuditor, req.Auditors},
		{model.OrderRelationCC, req.CC},
	} {
		users, err := s.catalog.ResolveUsers(ctx, g.ids)
		if err != nil {
			return nil, err
		}
		groups = append(groups, relationUsers{g.relation, users})
	}

	o := &model.Order{
		Title:            req.Title,
		Description:      req.Description,
		SQLContent:       req.SQL,
		OrderType:        req.OrderType,
		Status:           model.OrderStatusPending,
		EnvironmentID:    resolved.Environment.ID,
		InstanceID:       resolved.Instance.ID,
		SchemaName:       resolved.Schema,
		DBType:           resolved.Instance.DBType,
		Applicant:        caller.Username,
		ApplicantID:      caller.UID,
		ScheduleTime:     req.ExecuteTime,
		Acknowledged:     req.Acknowledged,
		IsRestrictAccess: req.IsRestrictAccess,
		Version:          1,
	}

	var event notify.Event
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(o).Error; err != nil {
			return httpx.ErrDatabaseError("failed to create order", err)
		}
		for _, g := range groups {
			for _, u := range g.users {
				row := &model.OrderUser{OrderID: o.ID, UserID: u.ID, Username: u.Username, Relation: g.relation}
				if err := tx.Create(row).Error; err != nil {
					return httpx.ErrDatabaseError("failed to save order users", err)
				}
			}
		}
		entry, err := s.audit.Record(tx, audit.Entry{
			OrderID:  o.ID,
			Action:   model.OpActionCreate,
			Operator: caller.Username,
			ToStatus: model.OrderStatusPending,
		})
		if err != nil {
			return httpx.ErrDatabaseError("failed to write oplog", err)
		}
		event = notify.Event{
			OrderID:    o.ID,
			Title:      o.Title,
			Action:     model.OpActionCreate,
			Operator:   caller.Username,
			ToStatus:   model.OrderStatusPending,
			OccurredAt: entry.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"order_id":   o.ID,
		"order_type": o.OrderType,
		"applicant":  o.Applicant,
	}).Info("Order created")
	s.Publish(ctx, event)
	return o, nil
}
