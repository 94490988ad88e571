// Package catalog resolves environments, instances, schemas and users.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_dbchange/internal/httpx"
	"go_dbchange/internal/model"
	"go_dbchange/internal/targetdb"
)

// Service 目录查询与元数据同步
type Service struct {
	db     *gorm.DB
	runner targetdb.Runner
	logger *logrus.Entry
}

// NewService creates a catalog service
func NewService(db *gorm.DB, runner targetdb.Runner, logger *logrus.Entry) *Service {
	return &Service{
		db:     db,
		runner: runner,
		logger: logger.WithField("component", "catalog"),
	}
}

// Resolved is a validated instance/schema pair
type Resolved struct {
	Environment model.Environment
	Instance    model.DBInstance
	Schema      string
}

// Target returns the execution target of the resolved pair
func (r *Resolved) Target() targetdb.Target {
	return TargetOf(&r.Instance, r.Schema)
}

// TargetOf builds an execution target for an instance and schema
func TargetOf(inst *model.DBInstance, schema string) targetdb.Target {
	return targetdb.Target{
		InstanceID: inst.ID,
		DBType:     inst.DBType,
		Host:       inst.Hostname,
		Port:       inst.Port,
		Schema:     schema,
	}
}

// ListEnvironments returns all environments
func (s *Service) ListEnvironments(ctx context.Context) ([]model.Environment, error) {
	var envs []model.Environment
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&envs).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to list environments", err)
	}
	return envs, nil
}

// ListInstances returns the instances of an environment, or all when envID is 0
func (s *Service) ListInstances(ctx context.Context, envID int) ([]model.DBInstance, error) {
	var instances []model.DBInstance
	q := s.db.WithContext(ctx).Order("id ASC")
	if envID > 0 {
		q = q.Where("environment_id = ?", envID)
	}
	if err := q.Find(&instances).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to list instances", err)
	}
	return instances, nil
}

// ListSchemas returns the live schemas of an instance
func (s *Service) ListSchemas(ctx context.Context, instanceID int) ([]model.DBSchema, error) {
	if instanceID <= 0 {
		return nil, httpx.ErrValidation("instanceId is required")
	}
	var schemas []model.DBSchema
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND is_deleted = ?", instanceID, false).
		Order("schema_name ASC").
		Find(&schemas).Error
	if err != nil {
		return nil, httpx.ErrDatabaseError("failed to list schemas", err)
	}
	return schemas, nil
}

// ListUsers returns active users selectable as reviewers, auditors or cc
func (s *Service) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := s.db.WithContext(ctx).
		Where("status = ?", model.UserStatusActive).
		Order("username ASC").
		Find(&users).Error
	if err != nil {
		return nil, httpx.ErrDatabaseError("failed to list users", err)
	}
	return users, nil
}

// GetInstance loads an instance by id
func (s *Service) GetInstance(ctx context.Context, id int) (*model.DBInstance, error) {
	var inst model.DBInstance
	if err := s.db.WithContext(ctx).First(&inst, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, httpx.ErrValidation(fmt.Sprintf("instance %d does not exist", id))
		}
		return nil, httpx.ErrDatabaseError("failed to query instance", err)
	}
	return &inst, nil
}

// Resolve validates that the instance exists and owns the schema
func (s *Service) Resolve(ctx context.Context, instanceID int, schema string) (*Resolved, error) {
	if instanceID <= 0 || schema == "" {
		return nil, httpx.ErrValidation("instanceId and schemaName are required")
	}
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	var env model.Environment
	if err := s.db.WithContext(ctx).First(&env, inst.EnvironmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, httpx.ErrValidation(fmt.Sprintf("environment of instance %d does not exist", instanceID))
		}
		return nil, httpx.ErrDatabaseError("failed to query environment", err)
	}

	var count int64
	err = s.db.WithContext(ctx).Model(&model.DBSchema{}).
		Where("instance_id = ? AND schema_name = ? AND is_deleted = ?", instanceID, schema, false).
		Count(&count).Error
	if err != nil {
		return nil, httpx.ErrDatabaseError("failed to query schema", err)
	}
	if count == 0 {
		return nil, httpx.ErrValidation(fmt.Sprintf("schema %q does not exist on instance %d", schema, instanceID))
	}

	return &Resolved{Environment: env, Instance: *inst, Schema: schema}, nil
}

// ResolveUsers loads users by id, failing if any id is unknown or inactive
func (s *Service) ResolveUsers(ctx context.Context, ids []int) ([]model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	unique := make([]int, 0, len(ids))
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	var users []model.User
	err := s.db.WithContext(ctx).
		Where("id IN ? AND status = ?", unique, model.UserStatusActive).
		Order("id ASC").
		Find(&users).Error
	if err != nil {
		return nil, httpx.ErrDatabaseError("failed to query users", err)
	}
	if len(users) != len(unique) {
		return nil, httpx.ErrValidation("some users do not exist or are inactive")
	}
	return users, nil
}
