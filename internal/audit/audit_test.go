package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"go_dbchange/internal/model"
	"go_dbchange/internal/testutil"
)

func TestRecordAndList(t *testing.T) {
	db := testutil.NewDB(t)
	log := New()
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log.now = func() time.Time { return frozen }

	steps := []Entry{
		{OrderID: 1, Action: model.OpActionCreate, Operator: "alice", ToStatus: model.OrderStatusPending},
		{OrderID: 1, Action: model.OpActionInspect, Operator: "system", FromStatus: model.OrderStatusPending, ToStatus: model.OrderStatusUnderReview},
		{OrderID: 2, Action: model.OpActionCreate, Operator: "bob", ToStatus: model.OrderStatusPending},
		{OrderID: 1, Action: model.OpActionFeedback, Operator: "bob", FromStatus: model.OrderStatusUnderReview, ToStatus: model.OrderStatusUnderReview, Comment: "looks fine"},
	}
	for _, e := range steps {
		_, err := log.Record(db, e)
		require.NoError(t, err)
	}

	rows, err := log.List(db, 1)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, model.OpActionCreate, rows[0].Action)
	assert.Equal(t, model.OpActionInspect, rows[1].Action)
	assert.Equal(t, model.OpActionFeedback, rows[2].Action)
	for i := 1; i < len(rows); i++ {
		assert.True(t, rows[i].CreatedAt.After(rows[i-1].CreatedAt), "timestamps must strictly increase even with a frozen clock")
	}
}

func TestRecord_RejectsIncompleteEntry(t *testing.T) {
	db := testutil.NewDB(t)
	_, err := New().Record(db, Entry{OrderID: 1, Action: model.OpActionCreate})
	assert.Error(t, err)
}

func TestRecord_FailsClosedInsideTransaction(t *testing.T) {
	db := testutil.NewDB(t)
	log := New()

	err := db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, tx.Create(&model.Environment{Name: "rollback-me"}).Error)
		require.NoError(t, tx.Migrator().DropTable(&model.OrderOpLog{}))
		_, err := log.Record(tx, Entry{OrderID: 1, Action: model.OpActionCreate, Operator: "alice", ToStatus: model.OrderStatusPending})
		return err
	})
	require.Error(t, err)

	var count int64
	db.Model(&model.Environment{}).Where("name = ?", "rollback-me").Count(&count)
	assert.Zero(t, count, "business write must roll back with the failed audit write")
}

func TestReplay(t *testing.T) {
	at := func(s int) time.Time { return time.Unix(1700000000+int64(s), 0) }
	history := []model.OrderOpLog{
		{ID: 1, Action: model.OpActionCreate, ToStatus: model.OrderStatusPending, CreatedAt: at(0)},
		{ID: 2, Action: model.OpActionInspect, FromStatus: model.OrderStatusPending, ToStatus: model.OrderStatusUnderReview, CreatedAt: at(1)},
		{ID: 3, Action: model.OpActionReview, FromStatus: model.OrderStatusUnderReview, ToStatus: model.OrderStatusUnderReview, CreatedAt: at(2)},
		{ID: 4, Action: model.OpActionApprove, FromStatus: model.OrderStatusUnderReview, ToStatus: model.OrderStatusApproved, CreatedAt: at(3)},
		{ID: 5, Action: model.OpActionGenerate, FromStatus: model.OrderStatusApproved, ToStatus: model.OrderStatusTasksGenerated, CreatedAt: at(4)},
		{ID: 6, Action: model.OpActionExecute, FromStatus: model.OrderStatusTasksGenerated, ToStatus: model.OrderStatusExecuting, CreatedAt: at(5)},
		{ID: 7, Action: model.OpActionExecute, FromStatus: model.OrderStatusExecuting, ToStatus: model.OrderStatusFailed, CreatedAt: at(6)},
	}

	status, err := Replay(history)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFailed, status)

	again, err := Replay(history)
	require.NoError(t, err)
	assert.Equal(t, status, again, "replay is deterministic")
}

func TestReplay_Invalid(t *testing.T) {
	at := func(s int) time.Time { return time.Unix(1700000000+int64(s), 0) }
	create := model.OrderOpLog{ID: 1, Action: model.OpActionCreate, ToStatus: model.OrderStatusPending, CreatedAt: at(0)}

	tests := []struct {
		name    string
		entries []model.OrderOpLog
	}{
		{"empty", nil},
		{"missing create", []model.OrderOpLog{
			{ID: 1, Action: model.OpActionReview, FromStatus: model.OrderStatusUnderReview, ToStatus: model.OrderStatusApproved, CreatedAt: at(0)},
		}},
		{"illegal edge", []model.OrderOpLog{create,
			{ID: 2, Action: model.OpActionGenerate, FromStatus: model.OrderStatusPending, ToStatus: model.OrderStatusTasksGenerated, CreatedAt: at(1)},
		}},
		{"broken chain", []model.OrderOpLog{create,
			{ID: 2, Action: model.OpActionApprove, FromStatus: model.OrderStatusUnderReview, ToStatus: model.OrderStatusApproved, CreatedAt: at(1)},
		}},
		{"out of order", []model.OrderOpLog{create,
			{ID: 2, Action: model.OpActionInspect, FromStatus: model.OrderStatusPending, ToStatus: model.OrderStatusUnderReview, CreatedAt: at(-5)},
		}},
		{"leaves terminal", []model.OrderOpLog{create,
			{ID: 2, Action: model.OpActionClose, FromStatus: model.OrderStatusPending, ToStatus: model.OrderStatusClosed, CreatedAt: at(1)},
			{ID: 3, Action: model.OpActionClose, FromStatus: model.OrderStatusClosed, ToStatus: model.OrderStatusPending, CreatedAt: at(2)},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Replay(tt.entries)
			assert.Error(t, err)
		})
	}
}
