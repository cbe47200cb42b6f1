package repo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gymops/gymsync/internal/config"
	"github.com/gymops/gymsync/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const settingsCacheTTL = time.Minute

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	AppendOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	ClaimOutboxBatch(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id string, errMsg string) error
	OutboxSummary(ctx context.Context) (OutboxSummary, error)
	ListRecentOutboxEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	ListRecentOutboxFailures(ctx context.Context, limit int) ([]model.OutboxEvent, error)

	FindProcessedByKey(ctx context.Context, tx *gorm.DB, key string) (*model.ProcessedEvent, error)
	FindProcessedByDeviceEvent(ctx context.Context, tx *gorm.DB, deviceID, eventID string) (*model.ProcessedEvent, error)
	CreateProcessedEvent(ctx context.Context, tx *gorm.DB, evt *model.ProcessedEvent) error
	ListRecentProcessedEvents(ctx context.Context, limit int, eventType string) ([]model.ProcessedEvent, error)

	FindAttendanceByID(ctx context.Context, tx *gorm.DB, id string) (*model.Attendance, error)
	CreateAttendance(ctx context.Context, tx *gorm.DB, att *model.Attendance) error
	FindRecentCheckIn(ctx context.Context, tx *gorm.DB, memberID, branchID string, since time.Time) (*model.Attendance, error)

	FindMemberForCheckIn(ctx context.Context, tx *gorm.DB, branchID, memberID, memberCode string) (*model.Member, error)
	FindMemberByID(ctx context.Context, tx *gorm.DB, id string) (*model.Member, error)
	ListMemberMemberships(ctx context.Context, tx *gorm.DB, memberID, branchID string) ([]model.Membership, error)
	GetAttendanceSettings(ctx context.Context, branchID string) (model.AttendanceSettings, error)

	PublishProcessedOutcome(ctx context.Context, evt *model.ProcessedEvent) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db       *gorm.DB
	rdb      *redis.Client
	writer   *kafka.Writer
	log      *zap.SugaredLogger
	defaults config.AttendanceConfig
}

// NewRepository constructs repo. rdb and writer may be nil; caching and
// outcome publishing become no-ops.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, defaults config.AttendanceConfig, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, defaults: defaults, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// IsUniqueViolation reports whether err is a unique-constraint failure.
// Matched by driver message because gorm error translation is not enabled.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// FindMemberForCheckIn resolves a member within a branch by id or by member
// code. Returns (nil, nil) when no such member exists.
func (r *Repository) FindMemberForCheckIn(ctx context.Context, tx *gorm.DB, branchID, memberID, memberCode string) (*model.Member, error) {
	q := tx.WithContext(ctx).Where("branch_id = ?", branchID)
	switch {
	case memberID != "":
		q = q.Where("id = ?", memberID)
	case memberCode != "":
		q = q.Where("member_code = ?", memberCode)
	default:
		return nil, nil
	}
	var m model.Member
	if err := q.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// FindMemberByID returns (nil, nil) when the member does not exist.
func (r *Repository) FindMemberByID(ctx context.Context, tx *gorm.DB, id string) (*model.Member, error) {
	var m model.Member
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ListMemberMemberships returns every membership row for the member in the
// branch; selection among them is the eligibility engine's job.
func (r *Repository) ListMemberMemberships(ctx context.Context, tx *gorm.DB, memberID, branchID string) ([]model.Membership, error) {
	var rows []model.Membership
	err := tx.WithContext(ctx).
		Where("member_id = ? AND branch_id = ?", memberID, branchID).
		Order("created_at asc").
		Find(&rows).Error
	return rows, err
}

// GetAttendanceSettings reads the per-branch policy, redis-cached. Branches
// without a row get the configured defaults.
func (r *Repository) GetAttendanceSettings(ctx context.Context, branchID string) (model.AttendanceSettings, error) {
	cacheKey := "attendance-settings:" + branchID
	if r.rdb != nil {
		if raw, err := r.rdb.Get(ctx, cacheKey).Result(); err == nil {
			var cached model.AttendanceSettings
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return cached, nil
			}
		}
	}

	settings := model.AttendanceSettings{
		BranchID:                     branchID,
		DuplicateWindowMinutes:       r.defaults.DuplicateWindowMinutes,
		BlockIfExpired:               r.defaults.BlockIfExpired,
		BlockIfFrozen:                r.defaults.BlockIfFrozen,
		GraceDays:                    r.defaults.GraceDays,
		AllowWithoutActiveMembership: r.defaults.AllowWithoutActiveMembership,
	}
	err := r.db.WithContext(ctx).Where("branch_id = ?", branchID).First(&settings).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return settings, err
	}

	if r.rdb != nil {
		if raw, err := json.Marshal(settings); err == nil {
			if err := r.rdb.Set(ctx, cacheKey, raw, settingsCacheTTL).Err(); err != nil {
				r.log.Warnf("cache attendance settings: %v", err)
			}
		}
	}
	return settings, nil
}

// PublishProcessedOutcome mirrors a ledger row onto the reporting topic.
// Best effort: the ledger row is already durable, downstream consumers can
// backfill from it.
func (r *Repository) PublishProcessedOutcome(ctx context.Context, evt *model.ProcessedEvent) error {
	if r.writer == nil {
		return nil
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(evt.IdempotencyKey),
		Value: value,
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}
