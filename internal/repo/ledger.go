package repo

import (
	"context"
	"errors"
	"time"

	"github.com/gymops/gymsync/internal/model"
	"gorm.io/gorm"
)

// FindProcessedByKey looks up the ledger by idempotency key. Returns
// (nil, nil) when no outcome is recorded.
func (r *Repository) FindProcessedByKey(ctx context.Context, tx *gorm.DB, key string) (*model.ProcessedEvent, error) {
	var evt model.ProcessedEvent
	if err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&evt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &evt, nil
}

// FindProcessedByDeviceEvent is the secondary dedup path, used when the key
// lookup misses but the device replays the same event id.
func (r *Repository) FindProcessedByDeviceEvent(ctx context.Context, tx *gorm.DB, deviceID, eventID string) (*model.ProcessedEvent, error) {
	var evt model.ProcessedEvent
	err := tx.WithContext(ctx).
		Where("device_id = ? AND event_id = ?", deviceID, eventID).
		First(&evt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &evt, nil
}

// CreateProcessedEvent records an outcome. Must run in the same transaction
// as the business effect it records.
func (r *Repository) CreateProcessedEvent(ctx context.Context, tx *gorm.DB, evt *model.ProcessedEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// ListRecentProcessedEvents feeds the ops view, newest first, optionally
// filtered by event type.
func (r *Repository) ListRecentProcessedEvents(ctx context.Context, limit int, eventType string) ([]model.ProcessedEvent, error) {
	q := r.db.WithContext(ctx).Order("processed_at desc").Limit(limit)
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	var rows []model.ProcessedEvent
	err := q.Find(&rows).Error
	return rows, err
}

// FindAttendanceByID returns (nil, nil) when no row exists.
func (r *Repository) FindAttendanceByID(ctx context.Context, tx *gorm.DB, id string) (*model.Attendance, error) {
	var att model.Attendance
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&att).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &att, nil
}

// CreateAttendance inserts the check-in row.
func (r *Repository) CreateAttendance(ctx context.Context, tx *gorm.DB, att *model.Attendance) error {
	return tx.WithContext(ctx).Create(att).Error
}

// FindRecentCheckIn returns the member's latest check-in at the branch since
// the given instant, or (nil, nil).
func (r *Repository) FindRecentCheckIn(ctx context.Context, tx *gorm.DB, memberID, branchID string, since time.Time) (*model.Attendance, error) {
	var att model.Attendance
	err := tx.WithContext(ctx).
		Where("member_id = ? AND branch_id = ? AND check_in_at >= ?", memberID, branchID, since).
		Order("check_in_at desc").
		First(&att).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &att, nil
}
