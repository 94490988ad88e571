package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_dbchange/internal/httpx"
	"go_dbchange/internal/logger"
	"go_dbchange/internal/model"
	"go_dbchange/internal/targetdb/targetdbtest"
	"go_dbchange/internal/testutil"
)

func TestResolve(t *testing.T) {
	db := testutil.NewDB(t)
	c := testutil.SeedCatalog(t, db)
	svc := NewService(db, targetdbtest.New(), logger.Discard())
	ctx := context.Background()

	resolved, err := svc.Resolve(ctx, c.Instance.ID, "shop")
	require.NoError(t, err)
	assert.Equal(t, c.Env.ID, resolved.Environment.ID)
	assert.Equal(t, "shop", resolved.Target().Schema)
	assert.Equal(t, model.DBTypeMySQL, resolved.Target().DBType)

	tests := []struct {
		name       string
		instanceID int
		schema     string
	}{
		{"missing instance", 999, "shop"},
		{"missing schema", c.Instance.ID, "nope"},
		{"empty schema", c.Instance.ID, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Resolve(ctx, tt.instanceID, tt.schema)
			assert.True(t, httpx.IsCode(err, httpx.CodeParamInvalid), "got %v", err)
		})
	}
}

func TestResolveUsers(t *testing.T) {
	db := testutil.NewDB(t)
	c := testutil.SeedCatalog(t, db)
	svc := NewService(db, targetdbtest.New(), logger.Discard())
	ctx := context.Background()

	users, err := svc.ResolveUsers(ctx, []int{c.Bob.ID, c.Carol.ID, c.Bob.ID})
	require.NoError(t, err)
	assert.Len(t, users, 2)

	_, err = svc.ResolveUsers(ctx, []int{c.Bob.ID, 12345})
	assert.True(t, httpx.IsCode(err, httpx.CodeParamInvalid))

	require.NoError(t, db.Model(&model.User{}).Where("id = ?", c.Dave.ID).Update("status", model.UserStatusInactive).Error)
	_, err = svc.ResolveUsers(ctx, []int{c.Dave.ID})
	assert.True(t, httpx.IsCode(err, httpx.CodeParamInvalid), "inactive users cannot participate")
}

func TestListings(t *testing.T) {
	db := testutil.NewDB(t)
	c := testutil.SeedCatalog(t, db)
	svc := NewService(db, targetdbtest.New(), logger.Discard())
	ctx := context.Background()

	envs, err := svc.ListEnvironments(ctx)
	require.NoError(t, err)
	assert.Len(t, envs, 1)

	instances, err := svc.ListInstances(ctx, c.Env.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	instances, err = svc.ListInstances(ctx, c.Env.ID+100)
	require.NoError(t, err)
	assert.Empty(t, instances)

	schemas, err := svc.ListSchemas(ctx, c.Instance.ID)
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, "shop", schemas[0].Schema)

	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 5)
}

func TestSyncSchemas(t *testing.T) {
	db := testutil.NewDB(t)
	c := testutil.SeedCatalog(t, db)
	runner := targetdbtest.New()
	svc := NewService(db, runner, logger.Discard())
	ctx := context.Background()

	broken := model.DBInstance{EnvironmentID: c.Env.ID, Name: "broken", Hostname: "10.0.0.9", Port: 3306, DBType: model.DBTypeMySQL}
	require.NoError(t, db.Create(&broken).Error)

	// shop vanished, billing appeared, mysql is a system schema
	runner.Schemas[c.Instance.ID] = []string{"billing", "mysql"}
	results := svc.SyncSchemas(ctx)
	require.Len(t, results, 2)

	schemas, err := svc.ListSchemas(ctx, c.Instance.ID)
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, "billing", schemas[0].Schema)

	// shop comes back and is restored instead of duplicated
	runner.Schemas[c.Instance.ID] = []string{"billing", "shop"}
	svc.SyncSchemas(ctx)

	var total int64
	db.Model(&model.DBSchema{}).Where("instance_id = ?", c.Instance.ID).Count(&total)
	assert.Equal(t, int64(2), total)

	_, err = svc.Resolve(ctx, c.Instance.ID, "shop")
	assert.NoError(t, err)
}

func TestSyncSchemas_InstanceFailureIsIsolated(t *testing.T) {
	db := testutil.NewDB(t)
	c := testutil.SeedCatalog(t, db)
	runner := targetdbtest.New()
	runner.Fail["LIST_SCHEMAS"] = errors.New("connection refused")
	svc := NewService(db, runner, logger.Discard())

	results := svc.SyncSchemas(context.Background())
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)

	// nothing is soft-deleted when the source could not be read
	_, err := svc.Resolve(context.Background(), c.Instance.ID, "shop")
	assert.NoError(t, err)
}
