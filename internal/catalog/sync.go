package catalog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go_dbchange/internal/model"
	"go_dbchange/internal/targetdb"
)

const (
	syncConcurrency = 4
	syncTimeout     = 10 * time.Second
)

// SyncResult 单个实例的同步结果
type SyncResult struct {
	InstanceID int
	Found      int
	Err        error
}

// SyncSchemas refreshes db_schemas from every instance. Schemas that
// vanished from the source are soft-deleted, reappearing ones restored.
// A failing instance does not stop the others.
func (s *Service) SyncSchemas(ctx context.Context) []SyncResult {
	var instances []model.DBInstance
	if err := s.db.WithContext(ctx).Find(&instances).Error; err != nil {
		s.logger.WithError(err).Error("Failed to load instances for schema sync")
		return nil
	}

	results := make([]SyncResult, len(instances))
	g := new(errgroup.Group)
	g.SetLimit(syncConcurrency)
	for i := range instances {
		inst := instances[i]
		i := i
		g.Go(func() error {
			found, err := s.syncInstance(ctx, &inst)
			results[i] = SyncResult{InstanceID: inst.ID, Found: found, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

func (s *Service) syncInstance(ctx context.Context, inst *model.DBInstance) (int, error) {
	log := s.logger.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"host":        inst.Hostname,
		"port":        inst.Port,
	})

	qctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	names, err := s.runner.ListSchemas(qctx, TargetOf(inst, ""))
	if err != nil {
		log.WithError(err).Error("Failed to sync schema metadata")
		return 0, err
	}
	if len(names) == 0 {
		log.Warn("No schemas found, check SELECT privilege of the remote account")
	}

	live := make(map[string]bool, len(names))
	for _, name := range names {
		if targetdb.IsSystemSchema(name) {
			continue
		}
		live[name] = true
	}

	var existing []model.DBSchema
	if err := s.db.WithContext(ctx).Where("instance_id = ?", inst.ID).Find(&existing).Error; err != nil {
		return 0, err
	}
	known := make(map[string]model.DBSchema, len(existing))
	for _, row := range existing {
		known[row.Schema] = row
	}

	for name := range live {
		row, ok := known[name]
		switch {
		case !ok:
			if err := s.db.WithContext(ctx).Create(&model.DBSchema{InstanceID: inst.ID, Schema: name}).Error; err != nil {
				return 0, err
			}
		case row.IsDeleted:
			if err := s.db.WithContext(ctx).Model(&model.DBSchema{}).Where("id = ?", row.ID).Update("is_deleted", false).Error; err != nil {
				return 0, err
			}
		}
	}
	for name, row := range known {
		if !live[name] && !row.IsDeleted {
			if err := s.db.WithContext(ctx).Model(&model.DBSchema{}).Where("id = ?", row.ID).Update("is_deleted", true).Error; err != nil {
				return 0, err
			}
		}
	}

	log.WithField("schemas", len(live)).Debug("Schema metadata synced")
	return len(live), nil
}
