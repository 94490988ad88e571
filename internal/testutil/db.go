// Package testutil holds fixtures shared by service tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go_dbchange/internal/auth"
	"go_dbchange/internal/db"
	"go_dbchange/internal/model"
)

var dbSeq atomic.Int64

// NewDB opens a migrated in-memory SQLite database private to the test
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared&_busy_timeout=5000", dbSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.Migrate(conn); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return conn
}

// Catalog is a seeded environment with one instance, one schema and users
type Catalog struct {
	Env      model.Environment
	Instance model.DBInstance
	Schema   model.DBSchema
	Admin    model.User
	Alice    model.User // applicant
	Bob      model.User // reviewer
	Carol    model.User // auditor
	Dave     model.User // cc
}

// SeedCatalog inserts a minimal catalog
func SeedCatalog(t *testing.T, conn *gorm.DB) *Catalog {
	t.Helper()
	c := &Catalog{
		Env:      model.Environment{Name: "prod"},
		Instance: model.DBInstance{Name: "orders-primary", Hostname: "10.0.0.1", Port: 3306, DBType: model.DBTypeMySQL},
	}
	must(t, conn.Create(&c.Env).Error)
	c.Instance.EnvironmentID = c.Env.ID
	must(t, conn.Create(&c.Instance).Error)
	c.Schema = model.DBSchema{InstanceID: c.Instance.ID, Schema: "shop"}
	must(t, conn.Create(&c.Schema).Error)

	hash, err := auth.HashPassword("secret")
	must(t, err)
	users := []*model.User{&c.Admin, &c.Alice, &c.Bob, &c.Carol, &c.Dave}
	names := []string{"admin", "alice", "bob", "carol", "dave"}
	for i, u := range users {
		*u = model.User{Username: names[i], PasswordHash: hash, RealName: names[i], Email: names[i] + "@example.com", Role: model.RoleUser, Status: model.UserStatusActive}
		if i == 0 {
			u.Role = model.RoleAdmin
		}
		must(t, conn.Create(u).Error)
	}
	return c
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
}
