package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gymops/gymsync/internal/model"
	"github.com/gymops/gymsync/internal/repo"
	"gorm.io/gorm"
)

type memberSnapshot struct {
	ID         string  `json:"id"`
	MemberCode string  `json:"memberCode"`
	FirstName  string  `json:"firstName"`
	LastName   string  `json:"lastName"`
	Email      *string `json:"email"`
	Phone      *string `json:"phone"`
	Status     string  `json:"status"`
}

type attendancePayload struct {
	AttendanceID string `json:"attendanceId"`
	MemberID     string `json:"memberId"`
	CheckinAt    string `json:"checkinAt"`
	CheckinDate  string `json:"checkinDate"`
	Snapshots    struct {
		Member memberSnapshot `json:"member"`
	} `json:"snapshots"`
	DeviceID string `json:"deviceId"`
	GymID    string `json:"gymId"`
}

func validateAttendancePayload(raw json.RawMessage) (*attendancePayload, time.Time, string) {
	if len(raw) == 0 {
		return nil, time.Time{}, "Payload must be an object."
	}
	var p attendancePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, time.Time{}, "Payload must be an object."
	}

	p.AttendanceID = strings.TrimSpace(p.AttendanceID)
	p.MemberID = strings.TrimSpace(p.MemberID)
	p.CheckinDate = strings.TrimSpace(p.CheckinDate)
	p.DeviceID = strings.TrimSpace(p.DeviceID)
	p.GymID = strings.TrimSpace(p.GymID)

	checkInAt, err := time.Parse(time.RFC3339, strings.TrimSpace(p.CheckinAt))
	if p.AttendanceID == "" || p.MemberID == "" || err != nil || p.CheckinDate == "" || p.DeviceID == "" || p.GymID == "" {
		return nil, time.Time{}, "Missing required attendance check-in fields."
	}

	snap := &p.Snapshots.Member
	snap.ID = strings.TrimSpace(snap.ID)
	snap.MemberCode = strings.TrimSpace(snap.MemberCode)
	snap.FirstName = strings.TrimSpace(snap.FirstName)
	snap.LastName = strings.TrimSpace(snap.LastName)
	snap.Status = strings.TrimSpace(snap.Status)
	if snap.ID == "" || snap.MemberCode == "" || snap.FirstName == "" || snap.LastName == "" || snap.Status == "" {
		return nil, time.Time{}, "snapshots.member is missing required fields."
	}

	if snap.ID != p.MemberID {
		return nil, time.Time{}, "memberId must match snapshots.member.id."
	}

	return &p, checkInAt, ""
}

func (s *IngestService) handleAttendanceCheckin(ctx context.Context, batch *IngestRequest, ev normalizedEvent) (EventOutcome, error) {
	payload, checkInAt, problem := validateAttendancePayload(ev.payload)
	if problem != "" {
		return s.recordRejection(ctx, batch, ev, rejectOutcome(ev.id, ReasonInvalidPayload, problem))
	}
	if payload.DeviceID != batch.DeviceID {
		return s.recordRejection(ctx, batch, ev, rejectOutcome(ev.id, ReasonDeviceMismatch, "Payload deviceId mismatch."))
	}
	if payload.GymID != batch.GymID {
		return s.recordRejection(ctx, batch, ev, rejectOutcome(ev.id, ReasonGymMismatch, "Payload gymId mismatch."))
	}

	return s.applyAttendanceCheckin(ctx, batch, ev, payload, checkInAt)
}

// applyAttendanceCheckin is the transactional apply step. The ledger is
// re-checked inside the transaction (closes the race with a concurrent
// delivery), the business effect and the ledger row commit together, and a
// unique-constraint loss on the attendance insert is resolved by re-reading
// the winner's row.
func (s *IngestService) applyAttendanceCheckin(ctx context.Context, batch *IngestRequest, ev normalizedEvent, payload *attendancePayload, checkInAt time.Time) (EventOutcome, error) {
	lookup := ledgerLookup{key: ev.key, deviceID: batch.DeviceID, eventID: ev.id}
	var (
		outcome  EventOutcome
		recorded *model.ProcessedEvent
	)

	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.findProcessed(ctx, tx, lookup)
		if err != nil {
			return err
		}
		if existing != nil {
			outcome = mapProcessed(existing, ev.id)
			return nil
		}

		member, err := s.repo.FindMemberByID(ctx, tx, payload.MemberID)
		if err != nil {
			return err
		}
		if member == nil || member.BranchID != s.branchID {
			outcome = rejectOutcome(ev.id, ReasonMemberNotFound, "Member not found.")
			recorded = s.newLedgerRow(batch, ev.id, ev.typ, ev.key, model.ProcessedStatusRejected, rejectResult{outcome.ReasonCode, outcome.Message})
			return s.repo.CreateProcessedEvent(ctx, tx, recorded)
		}

		existingAtt, err := s.repo.FindAttendanceByID(ctx, tx, payload.AttendanceID)
		if err != nil {
			return err
		}
		if existingAtt != nil {
			outcome, recorded = s.resolveExistingAttendance(batch, ev, payload, existingAtt, false)
			return s.repo.CreateProcessedEvent(ctx, tx, recorded)
		}

		snapshotJSON, err := json.Marshal(payload.Snapshots.Member)
		if err != nil {
			return err
		}
		att := &model.Attendance{
			ID:             payload.AttendanceID,
			MemberID:       payload.MemberID,
			BranchID:       s.branchID,
			CheckInAt:      checkInAt,
			Source:         "SYNC",
			MemberSnapshot: string(snapshotJSON),
		}
		if err := s.repo.CreateAttendance(ctx, tx, att); err != nil {
			if !repo.IsUniqueViolation(err) {
				return err
			}
			// A concurrent delivery of the identical event won the insert.
			conflict, ferr := s.repo.FindAttendanceByID(ctx, tx, payload.AttendanceID)
			if ferr != nil {
				return ferr
			}
			if conflict != nil {
				outcome, recorded = s.resolveExistingAttendance(batch, ev, payload, conflict, false)
				return s.repo.CreateProcessedEvent(ctx, tx, recorded)
			}
			// The conflicting row cannot be re-read. Ack optimistically
			// rather than fail the batch; the result is tagged for audit.
			outcome = ackOutcome(ev.id)
			recorded = s.newLedgerRow(batch, ev.id, ev.typ, ev.key, model.ProcessedStatusAcked, ackResult{
				AttendanceID: payload.AttendanceID,
				MemberID:     payload.MemberID,
				PreExisting:  true,
				Assumed:      true,
			})
			return s.repo.CreateProcessedEvent(ctx, tx, recorded)
		}

		outcome = ackOutcome(ev.id)
		recorded = s.newLedgerRow(batch, ev.id, ev.typ, ev.key, model.ProcessedStatusAcked, ackResult{
			AttendanceID: att.ID,
			MemberID:     att.MemberID,
		})
		return s.repo.CreateProcessedEvent(ctx, tx, recorded)
	})
	if err != nil {
		if resolved, rerr := s.resolveLedgerRace(ctx, err, lookup, ev.id); rerr != nil {
			return EventOutcome{}, rerr
		} else if resolved != nil {
			return *resolved, nil
		}
		return EventOutcome{}, err
	}

	if !outcome.AlreadyProcessed {
		s.publishOutcome(ctx, recorded)
	}
	return outcome, nil
}

// resolveExistingAttendance maps a pre-existing attendance row to an
// outcome: the same member and branch means the effect already committed
// (crash before the ledger write), anything else is a logical collision
// that must never be silently overwritten.
func (s *IngestService) resolveExistingAttendance(batch *IngestRequest, ev normalizedEvent, payload *attendancePayload, existing *model.Attendance, assumed bool) (EventOutcome, *model.ProcessedEvent) {
	if existing.MemberID != payload.MemberID || existing.BranchID != s.branchID {
		outcome := rejectOutcome(ev.id, ReasonAttendanceConflict, "Attendance record exists with a different memberId.")
		return outcome, s.newLedgerRow(batch, ev.id, ev.typ, ev.key, model.ProcessedStatusRejected, rejectResult{outcome.ReasonCode, outcome.Message})
	}

	outcome := ackOutcome(ev.id)
	return outcome, s.newLedgerRow(batch, ev.id, ev.typ, ev.key, model.ProcessedStatusAcked, ackResult{
		AttendanceID: existing.ID,
		MemberID:     existing.MemberID,
		PreExisting:  true,
		Assumed:      assumed,
	})
}

func (s *IngestService) newLedgerRow(batch *IngestRequest, eventID, eventType, key, status string, result interface{}) *model.ProcessedEvent {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte("{}")
	}
	return &model.ProcessedEvent{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		EventID:        eventID,
		DeviceID:       batch.DeviceID,
		GymID:          batch.GymID,
		EventType:      eventType,
		Status:         status,
		Result:         string(resultJSON),
	}
}
