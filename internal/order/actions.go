package order

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"gorm.io/gorm"

	"go_dbchange/internal/authz"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/model"
	"go_dbchange/internal/notify"
)

// ReviewRequest 审核请求
type ReviewRequest struct {
	OrderID  int    `json:"orderId"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// ApproveRequest 复核请求
type ApproveRequest struct {
	OrderID int    `json:"orderId"`
	Comment string `json:"comment"`
}

// FeedbackRequest 反馈请求
type FeedbackRequest struct {
	OrderID int    `json:"orderId"`
	Comment string `json:"comment"`
}

// CloseRequest 关闭请求
type CloseRequest struct {
	OrderID int    `json:"orderId"`
	Reason  string `json:"reason"`
}

// HookRequest 回调注册请求
type HookRequest struct {
	OrderID  int            `json:"orderId"`
	HookType model.HookType `json:"hookType"`
	HookURL  string         `json:"hookUrl"`
}

func requireOrderID(id int) error {
	if id <= 0 {
		return httpx.ErrValidation("orderId is required")
	}
	return nil
}

// Review records the reviewer decision. A rejection is final; an approval
// moves the order to approved once the auditor sign-off, when required,
// is also present.
func (s *Service) Review(ctx context.Context, caller authz.Caller, req ReviewRequest) (*model.Order, error) {
	if err := requireOrderID(req.OrderID); err != nil {
		return nil, err
	}
	err := s.Mutate(ctx, req.OrderID, func(tx *gorm.DB) ([]notify.Event, error) {
		o, p, err := s.Load(tx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if !authz.CanReview(caller, p) {
			return nil, httpx.ErrNotAuthorized(fmt.Sprintf("%s is not a reviewer of order %d", caller.Username, o.ID))
		}
		if o.Status != model.OrderStatusUnderReview {
			return nil, httpx.ErrInvalidState(fmt.Sprintf("order %d is %s, not under_review", o.ID, o.Status))
		}
		if o.ReviewedBy != "" {
			return nil, httpx.ErrInvalidState(fmt.Sprintf("order %d was already reviewed by %s", o.ID, o.ReviewedBy))
		}

		now := s.now()
		fields := map[string]any{"reviewed_by": caller.Username, "reviewed_at": now}
		to := model.OrderStatusRejected
		if req.Approved {
			to = model.OrderStatusUnderReview
			if !o.NeedsAuditor(len(p.Auditors)) || o.AuditedBy != "" {
				to = model.OrderStatusApproved
			}
		}
		ev, err := s.Transition(tx, o, Change{
			To:       to,
			Action:   model.OpActionReview,
			Operator: caller.Username,
			Comment:  req.Comment,
			Fields:   fields,
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.OrderID)
}

// Approve records the auditor sign-off
func (s *Service) Approve(ctx context.Context, caller authz.Caller, req ApproveRequest) (*model.Order, error) {
	if err := requireOrderID(req.OrderID); err != nil {
		return nil, err
	}
	err := s.Mutate(ctx, req.OrderID, func(tx *gorm.DB) ([]notify.Event, error) {
		o, p, err := s.Load(tx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if !authz.CanAudit(caller, p) {
			return nil, httpx.ErrNotAuthorized(fmt.Sprintf("%s is not an auditor of order %d", caller.Username, o.ID))
		}
		if o.Status != model.OrderStatusUnderReview {
			return nil, httpx.ErrInvalidState(fmt.Sprintf("order %d is %s, not under_review", o.ID, o.Status))
		}
		if o.AuditedBy != "" {
			return nil, httpx.ErrInvalidState(fmt.Sprintf("order %d was already approved by %s", o.ID, o.AuditedBy))
		}

		to := model.OrderStatusUnderReview
		if o.ReviewedBy != "" {
			to = model.OrderStatusApproved
		}
		ev, err := s.Transition(tx, o, Change{
			To:       to,
			Action:   model.OpActionApprove,
			Operator: caller.Username,
			Comment:  req.Comment,
			Fields:   map[string]any{"audited_by": caller.Username, "audited_at": s.now()},
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.OrderID)
}

// Feedback records a comment without changing the status
func (s *Service) Feedback(ctx context.Context, caller authz.Caller, req FeedbackRequest) (*model.Order, error) {
	if err := requireOrderID(req.OrderID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Comment) == "" {
		return nil, httpx.ErrValidation("comment is required")
	}
	err := s.Mutate(ctx, req.OrderID, func(tx *gorm.DB) ([]notify.Event, error) {
		o, p, err := s.Load(tx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if !authz.CanFeedback(caller, o, p) {
			return nil, httpx.ErrNotAuthorized(fmt.Sprintf("%s does not participate in order %d", caller.Username, o.ID))
		}
		if o.Status != model.OrderStatusUnderReview && o.Status != model.OrderStatusApproved {
			return nil, httpx.ErrInvalidState(fmt.Sprintf("order %d is %s, feedback is only accepted under review or approved", o.ID, o.Status))
		}
		ev, err := s.Transition(tx, o, Change{
			To:       o.Status,
			Action:   model.OpActionFeedback,
			Operator: caller.Username,
			Comment:  req.Comment,
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.OrderID)
}

// Close abandons the order from any non-terminal status
func (s *Service) Close(ctx context.Context, caller authz.Caller, req CloseRequest) (*model.Order, error) {
	if err := requireOrderID(req.OrderID); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if len(reason) > 512 {
		return nil, httpx.ErrValidation("reason is too long")
	}
	err := s.Mutate(ctx, req.OrderID, func(tx *gorm.DB) ([]notify.Event, error) {
		o, p, err := s.Load(tx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if !caller.IsSystem() && !authz.CanClose(caller, o, p) {
			return nil, httpx.ErrNotAuthorized(fmt.Sprintf("%s may not close order %d", caller.Username, o.ID))
		}
		if o.Status.IsTerminal() {
			return nil, httpx.ErrInvalidState(fmt.Sprintf("order %d is already %s", o.ID, o.Status))
		}
		ev, err := s.Transition(tx, o, Change{
			To:       model.OrderStatusClosed,
			Action:   model.OpActionClose,
			Operator: caller.Username,
			Comment:  reason,
			Fields:   map[string]any{"close_reason": reason},
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.OrderID)
}

func validHookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Hook registers a callback for later transitions of the order
func (s *Service) Hook(ctx context.Context, caller authz.Caller, req HookRequest) (*model.OrderHook, error) {
	if err := requireOrderID(req.OrderID); err != nil {
		return nil, err
	}
	if !req.HookType.Valid() {
		return nil, httpx.ErrParamIllegal(fmt.Sprintf("unknown hook type %q", req.HookType))
	}
	req.HookURL = strings.TrimSpace(req.HookURL)
	if !validHookURL(req.HookURL) || len(req.HookURL) > 512 {
		return nil, httpx.ErrParamIllegal("hookUrl must be an http(s) URL")
	}

	var hook *model.OrderHook
	err := s.Mutate(ctx, req.OrderID, func(tx *gorm.DB) ([]notify.Event, error) {
		o, _, err := s.Load(tx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if !authz.CanHook(caller, o) {
			return nil, httpx.ErrNotAuthorized(fmt.Sprintf("%s may not register hooks on order %d", caller.Username, o.ID))
		}
		if o.Status.IsTerminal() {
			return nil, httpx.ErrInvalidState(fmt.Sprintf("order %d is already %s", o.ID, o.Status))
		}

		var existing model.OrderHook
		if err := tx.Where("order_id = ? AND hook_url = ?", o.ID, req.HookURL).Limit(1).Find(&existing).Error; err != nil {
			return nil, httpx.ErrDatabaseError("failed to query hooks", err)
		}
		if existing.ID != 0 {
			return nil, httpx.ErrAlreadyExists(fmt.Sprintf("hook %s is already registered on order %d", req.HookURL, o.ID)).
				WithData(map[string]any{"hookId": existing.ID})
		}

		hook = &model.OrderHook{OrderID: o.ID, HookType: req.HookType, HookURL: req.HookURL, CreatedBy: caller.Username}
		if err := tx.Create(hook).Error; err != nil {
			return nil, httpx.ErrDatabaseError("failed to save hook", err)
		}
		ev, err := s.Transition(tx, o, Change{
			To:       o.Status,
			Action:   model.OpActionHook,
			Operator: caller.Username,
			Comment:  fmt.Sprintf("%s hook registered", req.HookType),
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	return hook, nil
}
