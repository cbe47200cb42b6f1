package model

import "time"

// Ledger outcomes.
const (
	ProcessedStatusAcked    = "ACKED"
	ProcessedStatusRejected = "REJECTED"
)

// ProcessedEvent records the outcome of applying one inbound event, exactly
// once. Two independent dedup paths: the idempotency key, and the
// (deviceId, eventId) composite. The composite covers crash recovery when a
// device regenerated an idempotency key but replays the same event id.
type ProcessedEvent struct {
	ID             string `gorm:"primaryKey;size:36"`
	IdempotencyKey string `gorm:"size:128;not null;uniqueIndex"`
	EventID        string `gorm:"size:64;not null;uniqueIndex:idx_processed_device_event"`
	DeviceID       string `gorm:"size:64;not null;uniqueIndex:idx_processed_device_event"`
	GymID          string `gorm:"size:64;not null"`
	EventType      string `gorm:"size:64;not null"`
	Status         string `gorm:"size:16;not null"`
	// Result holds either success details or {reasonCode, message} as JSON.
	Result      string    `gorm:"type:jsonb"`
	ProcessedAt time.Time `gorm:"autoCreateTime;index"`
}

func (ProcessedEvent) TableName() string { return "processed_event" }
