package model

import "time"

// Member statuses used by check-in eligibility.
const (
	MemberStatusActive = "ACTIVE"
	MemberStatusFrozen = "FROZEN"
)

type Member struct {
	ID         string `gorm:"primaryKey;size:36"`
	BranchID   string `gorm:"size:36;not null;uniqueIndex:idx_member_branch_code"`
	MemberCode string `gorm:"size:32;not null;uniqueIndex:idx_member_branch_code"`
	FirstName  string `gorm:"size:64;not null"`
	LastName   string `gorm:"size:64;not null"`
	Email      *string
	Phone      *string
	Status     string    `gorm:"size:16;not null;default:'ACTIVE'"`
	IsFrozen   bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (Member) TableName() string { return "member" }

// Membership rows are owned by the membership CRUD layer; the sync core only
// reads them to derive eligibility.
type Membership struct {
	ID          string `gorm:"primaryKey;size:36"`
	MemberID    string `gorm:"size:36;not null;index"`
	BranchID    string `gorm:"size:36;not null;index"`
	PlanID      string `gorm:"size:36;not null"`
	PlanName    string `gorm:"size:128;not null"`
	StartAt     time.Time
	EndAt       time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (Membership) TableName() string { return "membership" }
