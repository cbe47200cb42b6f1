package model

import "time"

// Attendance is a single check-in. The id travels with the event payload, so
// a branch-generated id and its central replica share the same primary key.
type Attendance struct {
	ID           string  `gorm:"primaryKey;size:36"`
	MemberID     string  `gorm:"size:36;not null;index"`
	BranchID     string  `gorm:"size:36;not null;index"`
	MembershipID *string `gorm:"size:36"`
	CheckInAt    time.Time
	CheckOutAt   *time.Time
	Source       string `gorm:"size:16;not null;default:'MANUAL'"`
	// MemberSnapshot denormalizes the member (and membership state) as seen
	// at check-in time.
	MemberSnapshot string    `gorm:"type:jsonb"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (Attendance) TableName() string { return "attendance" }
