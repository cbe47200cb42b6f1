package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gymops/gymsync/internal/config"
	"github.com/gymops/gymsync/internal/model"
	"github.com/gymops/gymsync/internal/repo"
	"github.com/gymops/gymsync/internal/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakePushClient struct {
	calls []*service.IngestRequest
	resp  *service.IngestResponse
	err   error
}

func (f *fakePushClient) PushBatch(_ context.Context, req *service.IngestRequest) (*service.IngestResponse, error) {
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

func newDispatcherEnv(t *testing.T, client *fakePushClient) (*Dispatcher, *repo.Repository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.OutboxEvent{}))

	r := repo.NewRepository(db, nil, nil, config.AttendanceConfig{}, zap.NewNop().Sugar())
	d := NewDispatcher(r, client, "dev-001", "gym-001", 10, time.Second, zap.NewNop().Sugar())
	return d, r
}

func seedPending(t *testing.T, r *repo.Repository) string {
	t.Helper()
	evt := &model.OutboxEvent{
		ID:             uuid.NewString(),
		Type:           "ATTENDANCE_CHECKIN",
		Payload:        `{"attendanceId":"att-1"}`,
		IdempotencyKey: "attendance-checkin:" + uuid.NewString(),
	}
	assert.NoError(t, r.AppendOutboxEvent(context.Background(), r.DB(context.Background()), evt))
	return evt.ID
}

func outboxRow(t *testing.T, r *repo.Repository, id string) model.OutboxEvent {
	t.Helper()
	var evt model.OutboxEvent
	assert.NoError(t, r.DB(context.Background()).Where("id = ?", id).First(&evt).Error)
	return evt
}

func TestRunOnce_EmptyOutboxSkipsPush(t *testing.T) {
	client := &fakePushClient{}
	d, _ := newDispatcherEnv(t, client)

	assert.NoError(t, d.RunOnce(context.Background()))
	assert.Empty(t, client.calls)
}

func TestRunOnce_AckedEventsComplete(t *testing.T) {
	client := &fakePushClient{}
	d, r := newDispatcherEnv(t, client)
	id := seedPending(t, r)
	client.resp = &service.IngestResponse{Acked: []string{id}}

	assert.NoError(t, d.RunOnce(context.Background()))

	if assert.Len(t, client.calls, 1) {
		req := client.calls[0]
		assert.Equal(t, "dev-001", req.DeviceID)
		assert.Equal(t, "gym-001", req.GymID)
		if assert.Len(t, req.Events, 1) {
			assert.Equal(t, id, req.Events[0].ID)
			assert.NotEmpty(t, req.Events[0].CreatedAt)
		}
	}
	assert.Equal(t, model.OutboxStatusAcked, outboxRow(t, r, id).Status)
}

func TestRunOnce_AlreadyProcessedCountsAsDelivered(t *testing.T) {
	client := &fakePushClient{}
	d, r := newDispatcherEnv(t, client)
	id := seedPending(t, r)
	client.resp = &service.IngestResponse{
		Acked:            []string{id},
		AlreadyProcessed: []string{id},
	}

	assert.NoError(t, d.RunOnce(context.Background()))
	assert.Equal(t, model.OutboxStatusAcked, outboxRow(t, r, id).Status)
}

func TestRunOnce_RejectedEventsBackOff(t *testing.T) {
	client := &fakePushClient{}
	d, r := newDispatcherEnv(t, client)
	id := seedPending(t, r)
	client.resp = &service.IngestResponse{
		Rejected: []service.RejectedEvent{{
			EventID:    id,
			ReasonCode: service.ReasonMemberNotFound,
			Message:    "Member not found.",
		}},
	}

	assert.NoError(t, d.RunOnce(context.Background()))

	evt := outboxRow(t, r, id)
	assert.Equal(t, model.OutboxStatusPending, evt.Status)
	assert.Equal(t, 1, evt.Attempts)
	assert.NotNil(t, evt.NextAttemptAt)
	if assert.NotNil(t, evt.LastError) {
		assert.Contains(t, *evt.LastError, service.ReasonMemberNotFound)
	}
}

func TestRunOnce_DurableRejectionIsTerminalViaAlreadyProcessed(t *testing.T) {
	client := &fakePushClient{}
	d, r := newDispatcherEnv(t, client)
	id := seedPending(t, r)

	// a rejection the center already recorded will never change outcome
	client.resp = &service.IngestResponse{
		Rejected: []service.RejectedEvent{{
			EventID:    id,
			ReasonCode: service.ReasonAttendanceConflict,
			Message:    "Attendance record exists with a different memberId.",
		}},
		AlreadyProcessed: []string{id},
	}

	assert.NoError(t, d.RunOnce(context.Background()))
	assert.Equal(t, model.OutboxStatusAcked, outboxRow(t, r, id).Status)
}

func TestRunOnce_TransportErrorRequeuesBatch(t *testing.T) {
	client := &fakePushClient{err: errors.New("connection refused")}
	d, r := newDispatcherEnv(t, client)
	id1 := seedPending(t, r)
	id2 := seedPending(t, r)

	assert.NoError(t, d.RunOnce(context.Background()))

	for _, id := range []string{id1, id2} {
		evt := outboxRow(t, r, id)
		assert.Equal(t, model.OutboxStatusPending, evt.Status)
		assert.Equal(t, 1, evt.Attempts)
		assert.NotNil(t, evt.NextAttemptAt)
	}
}

func TestRunOnce_UnansweredEventsFail(t *testing.T) {
	client := &fakePushClient{resp: &service.IngestResponse{}}
	d, r := newDispatcherEnv(t, client)
	id := seedPending(t, r)

	assert.NoError(t, d.RunOnce(context.Background()))

	evt := outboxRow(t, r, id)
	assert.Equal(t, model.OutboxStatusPending, evt.Status)
	if assert.NotNil(t, evt.LastError) {
		assert.Contains(t, *evt.LastError, "no outcome")
	}
}
