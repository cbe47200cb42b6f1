package membership

import (
	"fmt"
	"strings"
	"time"
)

// MembershipState at a point in time, with grace applied.
const (
	StateActive    = "ACTIVE"
	StateGrace     = "GRACE"
	StateExpired   = "EXPIRED"
	StateCancelled = "CANCELLED"
	StateNone      = "NONE"
)

// Record is the slice of a membership row the engine needs. Everything in
// this package is pure: the same inputs always derive the same snapshot,
// which is what makes idempotent replay of check-in events safe.
type Record struct {
	ID          string
	PlanID      string
	PlanName    string
	StartAt     time.Time
	EndAt       time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time
}

// Selection is the deterministic pick among overlapping/cancelled records.
type Selection struct {
	Current *Record
	Last    *Record
}

// Membership selection invariants:
//   - A membership is active at an instant if startAt <= at <= endAt
//     (inclusive) and it was not cancelled by then.
//   - Among active records the one with the latest startAt wins; ties break
//     on latest createdAt, then highest id.
//   - Among past records the one with the latest effective end wins
//     (cancelledAt when cancellation took effect before endAt), same
//     tie-breaks.

func cancelledAt(r Record, at time.Time) bool {
	return r.CancelledAt != nil && !r.CancelledAt.After(at)
}

func activeAt(r Record, at time.Time) bool {
	if cancelledAt(r, at) {
		return false
	}
	return !r.StartAt.After(at) && !r.EndAt.Before(at)
}

func effectiveEndAt(r Record, at time.Time) time.Time {
	if r.CancelledAt != nil && !r.CancelledAt.After(at) && r.CancelledAt.Before(r.EndAt) {
		return *r.CancelledAt
	}
	return r.EndAt
}

func compareIDs(a, b string) int {
	if isDigits(a) && isDigits(b) {
		na, nb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if d := len(na) - len(nb); d != 0 {
			return d
		}
		return strings.Compare(na, nb)
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func compareByStartCreatedID(a, b Record) int {
	if d := compareTimes(a.StartAt, b.StartAt); d != 0 {
		return d
	}
	if d := compareTimes(a.CreatedAt, b.CreatedAt); d != 0 {
		return d
	}
	return compareIDs(a.ID, b.ID)
}

func compareByEndCreatedID(a, b Record, at time.Time) int {
	if d := compareTimes(effectiveEndAt(a, at), effectiveEndAt(b, at)); d != 0 {
		return d
	}
	if d := compareTimes(a.CreatedAt, b.CreatedAt); d != 0 {
		return d
	}
	return compareIDs(a.ID, b.ID)
}

// Select partitions records into active-at-instant and past, then picks the
// preferred record from each partition. Both results may be nil.
func Select(records []Record, at time.Time) Selection {
	var current, last *Record
	for i := range records {
		r := records[i]
		switch {
		case activeAt(r, at):
			if current == nil || compareByStartCreatedID(r, *current) > 0 {
				current = &records[i]
			}
		case cancelledAt(r, at) || r.EndAt.Before(at):
			if last == nil || compareByEndCreatedID(r, *last, at) > 0 {
				last = &records[i]
			}
		}
	}
	return Selection{Current: current, Last: last}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 999_000_000, t.Location())
}

// StateAt derives the membership state at an instant. Day boundaries are
// inclusive: the membership covers the whole of its start and end days, and
// the grace window extends graceDays past the end day, end-of-day inclusive.
func StateAt(r *Record, at time.Time, graceDays int) string {
	if r == nil {
		return StateNone
	}
	if cancelledAt(*r, at) {
		return StateCancelled
	}

	start := startOfDay(r.StartAt)
	end := endOfDay(r.EndAt)
	if !at.Before(start) && !at.After(end) {
		return StateActive
	}

	if graceDays > 0 && at.After(end) {
		graceEnd := endOfDay(end.AddDate(0, 0, graceDays))
		if !at.After(graceEnd) {
			return StateGrace
		}
	}

	return StateExpired
}

// StatusLabel is the coarse display label with no grace applied.
func StatusLabel(r *Record, at time.Time) string {
	if r == nil {
		return StateExpired
	}
	if cancelledAt(*r, at) {
		return StateCancelled
	}
	if activeAt(*r, at) {
		return StateActive
	}
	return StateExpired
}

// Settings controls the check-in verdict.
type Settings struct {
	BlockIfExpired               bool
	BlockIfFrozen                bool
	GraceDays                    int
	AllowWithoutActiveMembership bool
}

// Verdict codes returned when a member is ineligible.
const (
	CodeFrozen    = "MEMBERSHIP_FROZEN"
	CodeCancelled = "MEMBERSHIP_CANCELLED"
	CodeRequired  = "MEMBERSHIP_REQUIRED"
	CodeExpired   = "MEMBERSHIP_EXPIRED"
)

// Verdict is the eligibility result embedded in check-in event payloads.
type Verdict struct {
	Eligible   bool
	State      string
	Frozen     bool
	Membership *Record
	Code       string
	Reason     string
}

func formatDay(t time.Time) string {
	y, m, d := t.Date()
	return fmt.Sprintf("%04d-%02d-%02d", y, int(m), d)
}

// Evaluate applies the verdict rules in order: frozen block, open-door mode,
// active/grace pass, expiry block, soft pass.
func Evaluate(records []Record, frozen bool, at time.Time, s Settings) Verdict {
	sel := Select(records, at)
	current := sel.Current
	if current == nil {
		current = sel.Last
	}
	state := StateNone
	if current != nil {
		state = StateAt(current, at, s.GraceDays)
	}

	v := Verdict{State: state, Frozen: frozen, Membership: current}

	if frozen && s.BlockIfFrozen {
		v.Code = CodeFrozen
		v.Reason = "Membership is frozen."
		return v
	}

	if s.AllowWithoutActiveMembership {
		v.Eligible = true
		return v
	}

	if state == StateActive || state == StateGrace {
		v.Eligible = true
		return v
	}

	if s.BlockIfExpired {
		switch state {
		case StateCancelled:
			v.Code = CodeCancelled
			if current != nil && current.CancelledAt != nil {
				v.Reason = fmt.Sprintf("Membership was cancelled on %s. Please renew at front desk.", formatDay(*current.CancelledAt))
			} else {
				v.Reason = "Membership was cancelled. Please renew at front desk."
			}
		case StateNone:
			v.Code = CodeRequired
			v.Reason = "No active membership found. Please renew at front desk."
		default:
			v.Code = CodeExpired
			if current != nil {
				v.Reason = fmt.Sprintf("Membership expired on %s. Please renew at front desk.", formatDay(current.EndAt))
			} else {
				v.Reason = "Membership has expired. Please renew at front desk."
			}
		}
		return v
	}

	// soft mode: expiry blocking disabled
	v.Eligible = true
	return v
}
