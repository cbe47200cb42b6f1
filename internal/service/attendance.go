package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gymops/gymsync/internal/membership"
	"github.com/gymops/gymsync/internal/model"
	"github.com/gymops/gymsync/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AttendanceService records branch-side check-ins. Each successful check-in
// inserts the attendance row and its outbox event in one transaction, so a
// delivery intent can never exist without its business row or vice versa.
type AttendanceService struct {
	repo     repo.RepositoryInterface
	log      *zap.SugaredLogger
	deviceID string
	gymID    string
}

func NewAttendanceService(r repo.RepositoryInterface, deviceID, gymID string, logger *zap.SugaredLogger) *AttendanceService {
	return &AttendanceService{repo: r, log: logger, deviceID: deviceID, gymID: gymID}
}

type CheckInInput struct {
	BranchID   string
	MemberID   string
	MemberCode string
	Source     string
}

type MemberSummary struct {
	ID          string `json:"id"`
	MemberCode  string `json:"memberCode"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status"`
}

type OutboxRef struct {
	Type           string `json:"type"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type CheckInResult struct {
	Attendance *model.Attendance `json:"attendance"`
	Outbox     *OutboxRef        `json:"outbox"`
	Duplicate  bool              `json:"duplicate"`
	Member     MemberSummary     `json:"member"`
}

type membershipSnapshot struct {
	ID          string  `json:"id"`
	PlanID      string  `json:"planId"`
	PlanName    string  `json:"planName"`
	StartAt     string  `json:"startAt"`
	EndAt       string  `json:"endAt"`
	CancelledAt *string `json:"cancelledAt"`
	State       string  `json:"state"`
}

type checkInMemberSnapshot struct {
	memberSnapshot
	Membership      *membershipSnapshot `json:"membership"`
	MembershipState string              `json:"membershipState"`
}

// CheckIn validates the member, derives eligibility, and records the
// attendance. A recent check-in inside the duplicate window returns the
// prior row with duplicate=true and produces no new outbox event.
func (s *AttendanceService) CheckIn(ctx context.Context, input CheckInInput) (*CheckInResult, error) {
	memberID := strings.TrimSpace(input.MemberID)
	memberCode := strings.TrimSpace(input.MemberCode)
	if memberID == "" && memberCode == "" {
		return nil, checkInErr(CodeInvalidInput, "Member selection is required.")
	}

	settings, err := s.repo.GetAttendanceSettings(ctx, input.BranchID)
	if err != nil {
		return nil, err
	}
	duplicateWindow := time.Duration(settings.DuplicateWindowMinutes) * time.Minute

	source := input.Source
	if source == "" {
		source = "MANUAL"
	}
	checkInAt := time.Now()

	var result *CheckInResult
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := s.repo.FindMemberForCheckIn(ctx, tx, input.BranchID, memberID, memberCode)
		if err != nil {
			return err
		}
		if member == nil {
			return checkInErr(CodeMemberNotFound, "Member not found.")
		}
		if member.Status != model.MemberStatusActive {
			return checkInErr(CodeMemberInactive, "Member inactive.")
		}

		summary := MemberSummary{
			ID:          member.ID,
			MemberCode:  member.MemberCode,
			DisplayName: strings.TrimSpace(member.FirstName + " " + member.LastName),
			Status:      member.Status,
		}

		recent, err := s.repo.FindRecentCheckIn(ctx, tx, member.ID, input.BranchID, checkInAt.Add(-duplicateWindow))
		if err != nil {
			return err
		}
		if recent != nil {
			// Duplicate check-ins return a success payload with
			// duplicate=true for idempotent front-desk UX.
			result = &CheckInResult{Attendance: recent, Duplicate: true, Member: summary}
			return nil
		}

		records, err := s.repo.ListMemberMemberships(ctx, tx, member.ID, input.BranchID)
		if err != nil {
			return err
		}
		verdict := membership.Evaluate(membershipRecords(records), member.IsFrozen, checkInAt, membership.Settings{
			BlockIfExpired:               settings.BlockIfExpired,
			BlockIfFrozen:                settings.BlockIfFrozen,
			GraceDays:                    settings.GraceDays,
			AllowWithoutActiveMembership: settings.AllowWithoutActiveMembership,
		})
		if !verdict.Eligible {
			return checkInErr(verdict.Code, verdict.Reason)
		}

		snapshot := buildMemberSnapshot(member, verdict)
		snapshotJSON, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}

		att := &model.Attendance{
			ID:             uuid.NewString(),
			MemberID:       member.ID,
			BranchID:       input.BranchID,
			CheckInAt:      checkInAt,
			Source:         source,
			MemberSnapshot: string(snapshotJSON),
		}
		if verdict.Membership != nil {
			id := verdict.Membership.ID
			att.MembershipID = &id
		}
		if err := s.repo.CreateAttendance(ctx, tx, att); err != nil {
			return err
		}

		idempotencyKey := "attendance-checkin:" + att.ID
		payload, err := json.Marshal(map[string]interface{}{
			"attendanceId": att.ID,
			"memberId":     member.ID,
			"checkinAt":    att.CheckInAt.UTC().Format(time.RFC3339),
			"checkinDate":  att.CheckInAt.UTC().Format("2006-01-02"),
			"snapshots":    map[string]interface{}{"member": snapshot},
			"deviceId":     s.deviceID,
			"gymId":        s.gymID,
		})
		if err != nil {
			return err
		}
		evt := &model.OutboxEvent{
			ID:             uuid.NewString(),
			Type:           EventTypeAttendanceCheckin,
			Payload:        string(payload),
			IdempotencyKey: idempotencyKey,
		}
		if err := s.repo.AppendOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}

		result = &CheckInResult{
			Attendance: att,
			Outbox:     &OutboxRef{Type: evt.Type, IdempotencyKey: idempotencyKey},
			Member:     summary,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func membershipRecords(rows []model.Membership) []membership.Record {
	records := make([]membership.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, membership.Record{
			ID:          row.ID,
			PlanID:      row.PlanID,
			PlanName:    row.PlanName,
			StartAt:     row.StartAt,
			EndAt:       row.EndAt,
			CancelledAt: row.CancelledAt,
			CreatedAt:   row.CreatedAt,
		})
	}
	return records
}

func buildMemberSnapshot(member *model.Member, verdict membership.Verdict) checkInMemberSnapshot {
	snapshot := checkInMemberSnapshot{
		memberSnapshot: memberSnapshot{
			ID:         member.ID,
			MemberCode: member.MemberCode,
			FirstName:  member.FirstName,
			LastName:   member.LastName,
			Email:      member.Email,
			Phone:      member.Phone,
			Status:     member.Status,
		},
		MembershipState: verdict.State,
	}
	if m := verdict.Membership; m != nil {
		ms := &membershipSnapshot{
			ID:       m.ID,
			PlanID:   m.PlanID,
			PlanName: m.PlanName,
			StartAt:  m.StartAt.UTC().Format(time.RFC3339),
			EndAt:    m.EndAt.UTC().Format(time.RFC3339),
			State:    verdict.State,
		}
		if m.CancelledAt != nil {
			v := m.CancelledAt.UTC().Format(time.RFC3339)
			ms.CancelledAt = &v
		}
		snapshot.Membership = ms
	}
	return snapshot
}
