package model

// AttendanceSettings holds the per-branch check-in policy. Absent rows fall
// back to the configured defaults.
type AttendanceSettings struct {
	BranchID                     string `gorm:"primaryKey;size:36"`
	DuplicateWindowMinutes       int    `gorm:"not null;default:5"`
	BlockIfExpired               bool   `gorm:"not null;default:true"`
	BlockIfFrozen                bool   `gorm:"not null;default:true"`
	GraceDays                    int    `gorm:"not null;default:0"`
	AllowWithoutActiveMembership bool   `gorm:"not null;default:false"`
}

func (AttendanceSettings) TableName() string { return "attendance_settings" }
