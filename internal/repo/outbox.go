package repo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gymops/gymsync/internal/model"
	"gorm.io/gorm"
)

// Retry policy for outbox delivery.
const (
	MaxOutboxRetries  = 5
	baseRetryDelay    = 30 * time.Second
	maxRetryDelay     = 10 * time.Minute
	maxOutboxErrorLen = 500
	summaryCacheKey   = "outbox:summary"
	summaryCacheTTL   = 5 * time.Second
)

// ErrOutboxEventInvalid is returned when an append is missing its type or
// idempotency key. The caller's transaction rolls back, so no business row
// can commit without its event and vice versa.
var ErrOutboxEventInvalid = errors.New("outbox event requires a type and idempotency key")

// OutboxSummary feeds the ops dashboard. A growing inFlight count with an
// idle dispatcher means rows stuck in SENDING after a crash; there is no
// automatic reclaim for those.
type OutboxSummary struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"inFlight"`
	Failed   int64 `json:"failed"`
}

// AppendOutboxEvent writes the delivery intent inside the caller's active
// transaction.
func (r *Repository) AppendOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	if evt.Type == "" || evt.IdempotencyKey == "" {
		return ErrOutboxEventInvalid
	}
	if evt.Status == "" {
		evt.Status = model.OutboxStatusPending
	}
	return tx.WithContext(ctx).Create(evt).Error
}

// ClaimOutboxBatch leases up to limit due PENDING rows, oldest first.
//
// The claim is a three-step dance that stays correct under concurrent
// dispatchers without external locking:
//  1. select candidate ids;
//  2. flip them to SENDING guarded by status = PENDING (a compare-and-swap:
//     ids another claimer won update zero rows here);
//  3. re-select rows stamped with this call's lastAttemptAt to return only
//     the rows this call actually won.
func (r *Repository) ClaimOutboxBatch(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	var claimed []model.OutboxEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&model.OutboxEvent{}).
			Where("status = ?", model.OutboxStatusPending).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Order("created_at asc").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Model(&model.OutboxEvent{}).
			Where("id IN ? AND status = ?", ids, model.OutboxStatusPending).
			Updates(map[string]interface{}{
				"status":          model.OutboxStatusSending,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_attempt_at": now,
				"next_attempt_at": nil,
				"last_error":      nil,
			}).Error; err != nil {
			return err
		}

		return tx.
			Where("id IN ? AND status = ? AND last_attempt_at = ?", ids, model.OutboxStatusSending, now).
			Order("created_at asc").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkOutboxSent finalizes a delivered row.
func (r *Repository) MarkOutboxSent(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          model.OutboxStatusAcked,
			"last_error":      nil,
			"next_attempt_at": nil,
		}).Error
}

// MarkOutboxFailed requeues the row with exponential backoff, or parks it in
// terminal FAILED once the retry budget is spent.
func (r *Repository) MarkOutboxFailed(ctx context.Context, id string, errMsg string) error {
	now := time.Now().UTC()
	lastError := clampError(errMsg)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.OutboxEvent
		if err := tx.Select("id", "attempts").Where("id = ?", id).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		updates := map[string]interface{}{
			"last_error":      lastError,
			"last_attempt_at": now,
		}
		if current.Attempts < MaxOutboxRetries {
			updates["status"] = model.OutboxStatusPending
			updates["next_attempt_at"] = nextAttemptAt(current.Attempts, now)
		} else {
			updates["status"] = model.OutboxStatusFailed
			updates["next_attempt_at"] = nil
		}

		return tx.Model(&model.OutboxEvent{}).Where("id = ?", id).Updates(updates).Error
	})
}

func nextAttemptAt(attempts int, now time.Time) time.Time {
	exponent := attempts - 1
	if exponent < 0 {
		exponent = 0
	}
	delay := baseRetryDelay << uint(exponent)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return now.Add(delay)
}

func clampError(msg string) string {
	msg = strings.TrimSpace(msg)
	runes := []rune(msg)
	if len(runes) <= maxOutboxErrorLen {
		return msg
	}
	return string(runes[:maxOutboxErrorLen])
}

// OutboxSummary counts rows per state, cached briefly for dashboard polling.
func (r *Repository) OutboxSummary(ctx context.Context) (OutboxSummary, error) {
	if r.rdb != nil {
		if raw, err := r.rdb.Get(ctx, summaryCacheKey).Result(); err == nil {
			var cached OutboxSummary
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return cached, nil
			}
		}
	}

	var summary OutboxSummary
	counts := []struct {
		status string
		dest   *int64
	}{
		{model.OutboxStatusPending, &summary.Pending},
		{model.OutboxStatusSending, &summary.InFlight},
		{model.OutboxStatusFailed, &summary.Failed},
	}
	for _, c := range counts {
		if err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
			Where("status = ?", c.status).
			Count(c.dest).Error; err != nil {
			return summary, err
		}
	}

	if r.rdb != nil {
		if raw, err := json.Marshal(summary); err == nil {
			if err := r.rdb.Set(ctx, summaryCacheKey, raw, summaryCacheTTL).Err(); err != nil {
				r.log.Warnf("cache outbox summary: %v", err)
			}
		}
	}
	return summary, nil
}

// ListRecentOutboxEvents returns newest rows first for the ops view.
func (r *Repository) ListRecentOutboxEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var rows []model.OutboxEvent
	err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// ListRecentOutboxFailures returns terminally failed rows, most recently
// touched first. These require operator intervention.
func (r *Repository) ListRecentOutboxFailures(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var rows []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusFailed).
		Order("updated_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
