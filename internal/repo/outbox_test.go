package repo

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/gymops/gymsync/internal/config"
	"github.com/gymops/gymsync/internal/model"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, context.Context) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Member{},
		&model.Membership{},
		&model.Attendance{},
		&model.AttendanceSettings{},
		&model.OutboxEvent{},
		&model.ProcessedEvent{},
	))

	r := NewRepository(db, nil, nil, config.AttendanceConfig{
		DuplicateWindowMinutes: 5,
		BlockIfExpired:         true,
		BlockIfFrozen:          true,
	}, zap.NewNop().Sugar())
	return r, context.Background()
}

func seedOutboxEvent(t *testing.T, r *Repository, ctx context.Context, createdAt time.Time) string {
	t.Helper()
	evt := &model.OutboxEvent{
		ID:             uuid.NewString(),
		Type:           "ATTENDANCE_CHECKIN",
		Payload:        `{"attendanceId":"a-1"}`,
		IdempotencyKey: "attendance-checkin:" + uuid.NewString(),
	}
	assert.NoError(t, r.AppendOutboxEvent(ctx, r.DB(ctx), evt))
	if !createdAt.IsZero() {
		assert.NoError(t, r.DB(ctx).Model(&model.OutboxEvent{}).
			Where("id = ?", evt.ID).
			Update("created_at", createdAt).Error)
	}
	return evt.ID
}

func getOutboxEvent(t *testing.T, r *Repository, ctx context.Context, id string) model.OutboxEvent {
	t.Helper()
	var evt model.OutboxEvent
	assert.NoError(t, r.DB(ctx).Where("id = ?", id).First(&evt).Error)
	return evt
}

func TestAppendOutboxEvent_RequiresTypeAndKey(t *testing.T) {
	r, ctx := newTestRepo(t)

	err := r.AppendOutboxEvent(ctx, r.DB(ctx), &model.OutboxEvent{ID: uuid.NewString(), IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrOutboxEventInvalid)

	err = r.AppendOutboxEvent(ctx, r.DB(ctx), &model.OutboxEvent{ID: uuid.NewString(), Type: "ATTENDANCE_CHECKIN"})
	assert.ErrorIs(t, err, ErrOutboxEventInvalid)
}

func TestClaimOutboxBatch_FIFOAndExclusive(t *testing.T) {
	r, ctx := newTestRepo(t)
	base := time.Now().UTC().Add(-time.Hour)
	id1 := seedOutboxEvent(t, r, ctx, base)
	id2 := seedOutboxEvent(t, r, ctx, base.Add(time.Minute))
	id3 := seedOutboxEvent(t, r, ctx, base.Add(2*time.Minute))

	first, err := r.ClaimOutboxBatch(ctx, 2)
	assert.NoError(t, err)
	if assert.Len(t, first, 2) {
		assert.Equal(t, id1, first[0].ID)
		assert.Equal(t, id2, first[1].ID)
		assert.Equal(t, model.OutboxStatusSending, first[0].Status)
		assert.Equal(t, 1, first[0].Attempts)
	}

	second, err := r.ClaimOutboxBatch(ctx, 10)
	assert.NoError(t, err)
	if assert.Len(t, second, 1) {
		assert.Equal(t, id3, second[0].ID)
	}

	// no overlap between successive claims and nothing left to claim
	third, err := r.ClaimOutboxBatch(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, third)
}

func TestClaimOutboxBatch_RespectsNextAttemptAt(t *testing.T) {
	r, ctx := newTestRepo(t)
	id := seedOutboxEvent(t, r, ctx, time.Time{})

	future := time.Now().UTC().Add(time.Hour)
	assert.NoError(t, r.DB(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Update("next_attempt_at", future).Error)

	claimed, err := r.ClaimOutboxBatch(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, claimed)

	past := time.Now().UTC().Add(-time.Minute)
	assert.NoError(t, r.DB(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Update("next_attempt_at", past).Error)

	claimed, err = r.ClaimOutboxBatch(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestMarkOutboxSent(t *testing.T) {
	r, ctx := newTestRepo(t)
	id := seedOutboxEvent(t, r, ctx, time.Time{})

	_, err := r.ClaimOutboxBatch(ctx, 1)
	assert.NoError(t, err)
	assert.NoError(t, r.MarkOutboxSent(ctx, id))

	evt := getOutboxEvent(t, r, ctx, id)
	assert.Equal(t, model.OutboxStatusAcked, evt.Status)
	assert.Nil(t, evt.LastError)
	assert.Nil(t, evt.NextAttemptAt)
}

func TestMarkOutboxFailed_BackoffUntilTerminal(t *testing.T) {
	r, ctx := newTestRepo(t)
	id := seedOutboxEvent(t, r, ctx, time.Time{})

	var deltas []time.Duration
	for attempt := 1; attempt <= MaxOutboxRetries; attempt++ {
		// make the row due regardless of the previous backoff
		assert.NoError(t, r.DB(ctx).Model(&model.OutboxEvent{}).
			Where("id = ?", id).
			Update("next_attempt_at", nil).Error)

		claimed, err := r.ClaimOutboxBatch(ctx, 1)
		assert.NoError(t, err)
		if !assert.Len(t, claimed, 1) {
			return
		}
		assert.Equal(t, attempt, claimed[0].Attempts)

		assert.NoError(t, r.MarkOutboxFailed(ctx, id, "connection refused"))
		evt := getOutboxEvent(t, r, ctx, id)

		if attempt < MaxOutboxRetries {
			assert.Equal(t, model.OutboxStatusPending, evt.Status)
			if assert.NotNil(t, evt.NextAttemptAt) && assert.NotNil(t, evt.LastAttemptAt) {
				deltas = append(deltas, evt.NextAttemptAt.Sub(*evt.LastAttemptAt))
			}
			assert.NotNil(t, evt.LastError)
		} else {
			// terminal exactly when the retry budget is spent
			assert.Equal(t, model.OutboxStatusFailed, evt.Status)
			assert.Nil(t, evt.NextAttemptAt)
		}
	}

	for i := 1; i < len(deltas); i++ {
		assert.GreaterOrEqual(t, deltas[i], deltas[i-1])
	}
	assert.Equal(t, 30*time.Second, deltas[0])
}

func TestMarkOutboxFailed_TrimsAndTruncatesError(t *testing.T) {
	r, ctx := newTestRepo(t)
	id := seedOutboxEvent(t, r, ctx, time.Time{})
	_, err := r.ClaimOutboxBatch(ctx, 1)
	assert.NoError(t, err)

	assert.NoError(t, r.MarkOutboxFailed(ctx, id, "  connection refused \n"))
	evt := getOutboxEvent(t, r, ctx, id)
	if assert.NotNil(t, evt.LastError) {
		assert.Equal(t, "connection refused", *evt.LastError)
	}

	long := "  " + strings.Repeat("x", 2000) + "  "
	assert.NoError(t, r.MarkOutboxFailed(ctx, id, long))
	evt = getOutboxEvent(t, r, ctx, id)
	if assert.NotNil(t, evt.LastError) {
		assert.Equal(t, strings.Repeat("x", maxOutboxErrorLen), *evt.LastError)
	}
}

func TestClaimOutboxBatch_ConcurrentClaimsNeverOverlap(t *testing.T) {
	r, ctx := newTestRepo(t)
	// a single connection keeps the in-memory database shared across claimers
	sqlDB, err := r.DB(ctx).DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	base := time.Now().UTC().Add(-time.Hour)
	pending := make(map[string]bool)
	for i := 0; i < 6; i++ {
		pending[seedOutboxEvent(t, r, ctx, base.Add(time.Duration(i)*time.Minute))] = true
	}

	const claimers = 2
	var wg sync.WaitGroup
	results := make([][]model.OutboxEvent, claimers)
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.ClaimOutboxBatch(ctx, 10)
		}(i)
	}
	wg.Wait()

	claimed := make(map[string]int)
	for i := 0; i < claimers; i++ {
		assert.NoError(t, errs[i])
		for _, evt := range results[i] {
			claimed[evt.ID]++
		}
	}

	// every pending row is claimed by exactly one claimer
	assert.Len(t, claimed, len(pending))
	for id, n := range claimed {
		assert.True(t, pending[id])
		assert.Equalf(t, 1, n, "row %s claimed by more than one claimer", id)
	}
}

func TestOutboxSummary_CountsAndCache(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.OutboxEvent{}))

	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet(summaryCacheKey).RedisNil()
	mock.ExpectSet(summaryCacheKey, []byte(`{"pending":1,"inFlight":0,"failed":1}`), summaryCacheTTL).SetVal("OK")

	r := NewRepository(db, rdb, nil, config.AttendanceConfig{}, zap.NewNop().Sugar())
	ctx := context.Background()

	assert.NoError(t, r.AppendOutboxEvent(ctx, r.DB(ctx), &model.OutboxEvent{
		ID: uuid.NewString(), Type: "ATTENDANCE_CHECKIN", Payload: "{}", IdempotencyKey: "k-1",
	}))
	assert.NoError(t, r.AppendOutboxEvent(ctx, r.DB(ctx), &model.OutboxEvent{
		ID: uuid.NewString(), Type: "ATTENDANCE_CHECKIN", Payload: "{}", IdempotencyKey: "k-2",
		Status: model.OutboxStatusFailed,
	}))

	summary, err := r.OutboxSummary(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), summary.Pending)
	assert.Equal(t, int64(0), summary.InFlight)
	assert.Equal(t, int64(1), summary.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAttendanceSettings_DefaultsWhenMissing(t *testing.T) {
	r, ctx := newTestRepo(t)

	settings, err := r.GetAttendanceSettings(ctx, "branch-main")
	assert.NoError(t, err)
	assert.Equal(t, 5, settings.DuplicateWindowMinutes)
	assert.True(t, settings.BlockIfExpired)
	assert.False(t, settings.AllowWithoutActiveMembership)

	assert.NoError(t, r.DB(ctx).Create(&model.AttendanceSettings{
		BranchID:                     "branch-open",
		DuplicateWindowMinutes:       1,
		AllowWithoutActiveMembership: true,
	}).Error)

	settings, err = r.GetAttendanceSettings(ctx, "branch-open")
	assert.NoError(t, err)
	assert.Equal(t, 1, settings.DuplicateWindowMinutes)
	assert.True(t, settings.AllowWithoutActiveMembership)
}
