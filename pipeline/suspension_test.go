package pipeline

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newGormStore(t *testing.T) *GormSuspensionStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewGormSuspensionStore(db)
	require.NoError(t, s.AutoMigrate())
	return s
}

func suspensionStores(t *testing.T) map[string]SuspensionStore {
	return map[string]SuspensionStore{
		"memory": NewMemorySuspensionStore(),
		"gorm":   newGormStore(t),
	}
}

func TestSuspensionStore_Lifecycle(t *testing.T) {
	for name, store := range suspensionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sus := &Suspension{
				Token:      "tok-1",
				RunID:      "run-1",
				ResourceID: "case-1",
				Stage:      "confidence",
				Step:       "freeze",
				RequestID:  "req-1",
				SessionID:  "sess-1",
				Status:     SuspensionSuspended,
				Input:      `{"amount":10}`,
			}
			require.NoError(t, store.Save(ctx, sus))

			got, err := store.Get(ctx, "tok-1")
			require.NoError(t, err)
			assert.Equal(t, "freeze", got.Step)
			assert.Equal(t, SuspensionSuspended, got.Status)
			assert.Equal(t, `{"amount":10}`, got.Input)
			assert.False(t, got.CreatedAt.IsZero())

			require.NoError(t, store.Transition(ctx, "tok-1", SuspensionSuspended, SuspensionResuming))
			assert.ErrorIs(t, store.Transition(ctx, "tok-1", SuspensionSuspended, SuspensionResuming), ErrSuspensionConflict)
			assert.ErrorIs(t, store.Transition(ctx, "missing", SuspensionSuspended, SuspensionResuming), ErrSuspensionNotFound)

			got, err = store.Get(ctx, "tok-1")
			require.NoError(t, err)
			assert.Equal(t, SuspensionResuming, got.Status)

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrSuspensionNotFound)

			require.NoError(t, store.Save(ctx, &Suspension{Token: "tok-2", RunID: "run-1", RequestID: "req-2", SessionID: "sess-2", Status: SuspensionSuspended}))
			require.NoError(t, store.Save(ctx, &Suspension{Token: "tok-3", RunID: "run-2", RequestID: "req-3", SessionID: "sess-3", Status: SuspensionSuspended}))

			list, err := store.ListByRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}
}

// 使用 GORM 存储的完整审批与恢复流程。
func TestManager_ResumeWithGormStore(t *testing.T) {
	f := newFixture(t, approvalAnalysis(nil), fastConfig())
	f.suspensions = newGormStore(t)
	shutdown(t, f.manager)
	f.manager = f.newManager(approvalAnalysis(nil), fastConfig())

	res, err := f.manager.Trigger(context.Background(), TriggerRequest{ResourceID: "case-1", Input: map[string]any{"amount": 99.5}})
	require.NoError(t, err)
	sus := pendingSuspension(t, f, res.RunID)
	assert.JSONEq(t, `{"amount":99.5}`, sus.Input)
	shutdown(t, f.manager)

	_, err = f.coordinator.Resolve(context.Background(), sus.RequestID, true, "", "r")
	require.NoError(t, err)

	var input map[string]any
	restarted := f.newManager(AnalyzerFunc(func(ctx context.Context, rc *RunContext) error {
		input = rc.Input
		_, err := rc.AwaitApproval(ctx, ApprovalSpec{Step: "freeze", ActionType: "freeze_account"})
		return err
	}), fastConfig())
	defer shutdown(t, restarted)

	out, err := restarted.Resume(context.Background(), ResumeRequest{Token: sus.Token})
	require.NoError(t, err)

	envs := relay(t, f, out.RunID).envelopes(t)
	assert.Equal(t, "completed", string(envs[len(envs)-1].Type))
	assert.Equal(t, 99.5, input["amount"])
}
