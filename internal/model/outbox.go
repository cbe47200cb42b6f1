package model

import "time"

// Outbox delivery states. Transitions are monotonic except the
// PENDING <-> SENDING retry cycle; FAILED is terminal.
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSending = "SENDING"
	OutboxStatusAcked   = "ACKED"
	OutboxStatusFailed  = "FAILED"
)

// OutboxEvent is one durable intent to deliver a business event to the
// center. Rows are created inside the same transaction as the business
// mutation and afterwards mutated only by the dispatcher. Rows are never
// deleted; ACKED and FAILED rows are retained for audit.
type OutboxEvent struct {
	ID             string    `gorm:"primaryKey;size:36"`
	Type           string    `gorm:"size:64;not null"`
	Payload        string    `gorm:"type:jsonb;not null"`
	IdempotencyKey string    `gorm:"size:128;not null;uniqueIndex"`
	Status         string    `gorm:"size:16;not null;default:'PENDING';index"`
	Attempts       int       `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
	LastAttemptAt  *time.Time
	NextAttemptAt  *time.Time
	LastError      *string `gorm:"size:500"`
}

func (OutboxEvent) TableName() string { return "outbox_event" }
