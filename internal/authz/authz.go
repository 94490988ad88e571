// Package authz evaluates per-call capability checks for order operations.
package authz

import (
	"go_dbchange/internal/model"
)

// SystemOperator 调度器等后台任务使用的操作人
const SystemOperator = "system"

// Caller 调用方身份，由认证中间件注入
type Caller struct {
	UID      int
	Username string
	Role     string
}

// System returns the identity used by background jobs
func System() Caller {
	return Caller{Username: SystemOperator, Role: model.RoleAdmin}
}

// IsAdmin reports whether the caller holds the admin role
func (c Caller) IsAdmin() bool {
	return c.Role == model.RoleAdmin
}

// IsSystem reports whether the caller is a background job
func (c Caller) IsSystem() bool {
	return c.UID == 0 && c.Username == SystemOperator
}

// Participants 工单参与人快照
type Participants struct {
	Reviewers []int
	Auditors  []int
	CC        []int
}

// FromOrderUsers groups participant rows by relation
func FromOrderUsers(rows []model.OrderUser) Participants {
	var p Participants
	for _, row := range rows {
		switch row.Relation {
		case model.OrderRelationReviewer:
			p.Reviewers = append(p.Reviewers, row.UserID)
		case model.OrderRelationAuditor:
			p.Auditors = append(p.Auditors, row.UserID)
		case model.OrderRelationCC:
			p.CC = append(p.CC, row.UserID)
		}
	}
	return p
}

func contains(ids []int, uid int) bool {
	for _, id := range ids {
		if id == uid {
			return true
		}
	}
	return false
}

// IsApplicant reports whether the caller created the order
func IsApplicant(c Caller, order *model.Order) bool {
	return c.UID != 0 && c.UID == order.ApplicantID
}

// CanReview: designated reviewer
func CanReview(c Caller, p Participants) bool {
	return contains(p.Reviewers, c.UID)
}

// CanAudit: designated auditor
func CanAudit(c Caller, p Participants) bool {
	return contains(p.Auditors, c.UID)
}

// IsParticipant reports whether the caller is the applicant or a designated participant
func IsParticipant(c Caller, order *model.Order, p Participants) bool {
	return IsApplicant(c, order) || contains(p.Reviewers, c.UID) || contains(p.Auditors, c.UID) || contains(p.CC, c.UID)
}

// CanFeedback: any participant
func CanFeedback(c Caller, order *model.Order, p Participants) bool {
	return IsParticipant(c, order, p)
}

// CanClose: applicant, reviewer, auditor or admin
func CanClose(c Caller, order *model.Order, p Participants) bool {
	return c.IsAdmin() || IsApplicant(c, order) || CanReview(c, p) || CanAudit(c, p)
}

// CanHook: applicant or admin
func CanHook(c Caller, order *model.Order) bool {
	return c.IsAdmin() || IsApplicant(c, order)
}

// CanExecute covers task generation and execution: applicant, auditor or admin
func CanExecute(c Caller, order *model.Order, p Participants) bool {
	return c.IsAdmin() || IsApplicant(c, order) || CanAudit(c, p)
}

// CanView reports whether the caller may see the SQL of the order
func CanView(c Caller, order *model.Order, p Participants) bool {
	if !order.IsRestrictAccess {
		return true
	}
	return c.IsAdmin() || IsParticipant(c, order, p)
}
