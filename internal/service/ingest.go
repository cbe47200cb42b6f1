package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gymops/gymsync/internal/model"
	"github.com/gymops/gymsync/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Per-event rejection reason codes.
const (
	ReasonInvalidRequest        = "INVALID_REQUEST"
	ReasonInvalidEvent          = "INVALID_EVENT"
	ReasonInvalidIdempotencyKey = "INVALID_IDEMPOTENCY_KEY"
	ReasonInvalidTimestamp      = "INVALID_EVENT_TIMESTAMP"
	ReasonUnsupportedEventType  = "UNSUPPORTED_EVENT_TYPE"
	ReasonInvalidPayload        = "INVALID_PAYLOAD"
	ReasonMemberNotFound        = "MEMBER_NOT_FOUND"
	ReasonAttendanceConflict    = "ATTENDANCE_CONFLICT"
	ReasonDeviceMismatch        = "DEVICE_MISMATCH"
	ReasonGymMismatch           = "GYM_MISMATCH"
)

// EventTypeAttendanceCheckin is the only event type the processor applies
// today; new types register a handler without touching the dedup machinery.
const EventTypeAttendanceCheckin = "ATTENDANCE_CHECKIN"

const defaultRejectMessage = "Event rejected."

// IngestEvent is one event of a push batch as received on the wire.
type IngestEvent struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      string          `json:"createdAt"`
}

// IngestRequest is the validated push envelope.
type IngestRequest struct {
	DeviceID string        `json:"deviceId"`
	GymID    string        `json:"gymId"`
	Events   []IngestEvent `json:"events"`
}

// RejectedEvent is one entry of IngestResponse.Rejected.
type RejectedEvent struct {
	EventID    string `json:"eventId"`
	ReasonCode string `json:"reasonCode"`
	Message    string `json:"message"`
}

// IngestResponse summarizes a processed batch.
type IngestResponse struct {
	Acked            []string        `json:"acked"`
	Rejected         []RejectedEvent `json:"rejected"`
	AlreadyProcessed []string        `json:"alreadyProcessed"`
	ProcessedCount   int             `json:"processedCount"`
	SkippedCount     int             `json:"skippedCount"`
	ErrorCount       int             `json:"errorCount"`
}

// EnvelopeError rejects a whole batch before any event is touched.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *EnvelopeError) Error() string { return e.Code + ": " + e.Message }

// EventOutcome is the per-event result of the processor.
type EventOutcome struct {
	Status           string `json:"status"`
	EventID          string `json:"eventId"`
	ReasonCode       string `json:"reasonCode,omitempty"`
	Message          string `json:"message,omitempty"`
	AlreadyProcessed bool   `json:"alreadyProcessed,omitempty"`
}

type normalizedEvent struct {
	id        string
	typ       string
	key       string
	payload   json.RawMessage
	createdAt *time.Time
}

type ledgerLookup struct {
	key      string
	deviceID string
	eventID  string
}

type eventHandler func(ctx context.Context, batch *IngestRequest, ev normalizedEvent) (EventOutcome, error)

// IngestService is the idempotent event processor behind the push endpoint.
type IngestService struct {
	repo     repo.RepositoryInterface
	log      *zap.SugaredLogger
	branchID string
	handlers map[string]eventHandler
}

// NewIngestService returns the processor scoped to the central branch that
// inbound device events are applied against.
func NewIngestService(r repo.RepositoryInterface, branchID string, logger *zap.SugaredLogger) *IngestService {
	s := &IngestService{repo: r, log: logger, branchID: branchID}
	s.handlers = map[string]eventHandler{
		EventTypeAttendanceCheckin: s.handleAttendanceCheckin,
	}
	return s
}

// ValidateRequest checks the raw body and envelope shape. A failure here
// rejects the whole batch with no event processed and no ledger writes.
func ValidateRequest(body []byte) (*IngestRequest, *EnvelopeError) {
	var envelope struct {
		DeviceID string          `json:"deviceId"`
		GymID    string          `json:"gymId"`
		Events   json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		if _, ok := err.(*json.SyntaxError); ok {
			return nil, &EnvelopeError{Code: "INVALID_JSON", Message: "Request body must be valid JSON."}
		}
		return nil, &EnvelopeError{Code: ReasonInvalidRequest, Message: "Request body must be a JSON object."}
	}

	deviceID := strings.TrimSpace(envelope.DeviceID)
	gymID := strings.TrimSpace(envelope.GymID)

	// events must be a JSON array; null or any other type is malformed
	var eventList *[]json.RawMessage
	eventsOK := len(envelope.Events) > 0 &&
		json.Unmarshal(envelope.Events, &eventList) == nil &&
		eventList != nil

	if deviceID == "" || gymID == "" || !eventsOK {
		return nil, &EnvelopeError{Code: ReasonInvalidRequest, Message: "deviceId, gymId, and events[] are required."}
	}

	rawEvents := *eventList
	req := &IngestRequest{DeviceID: deviceID, GymID: gymID, Events: make([]IngestEvent, 0, len(rawEvents))}
	for _, raw := range rawEvents {
		var ev IngestEvent
		// malformed items degrade to zero values and are rejected per event
		_ = json.Unmarshal(raw, &ev)
		req.Events = append(req.Events, ev)
	}
	return req, nil
}

// ProcessBatch runs every event through the apply-exactly-once state
// machine. Events are independent: one rejection never fails the rest. An
// unexpected error aborts the batch so the caller answers with an unknown
// outcome and the dispatcher retries.
func (s *IngestService) ProcessBatch(ctx context.Context, req *IngestRequest) (*IngestResponse, error) {
	resp := &IngestResponse{
		Acked:            []string{},
		Rejected:         []RejectedEvent{},
		AlreadyProcessed: []string{},
	}

	for _, raw := range req.Events {
		outcome, err := s.processEvent(ctx, req, raw)
		if err != nil {
			return nil, err
		}

		if outcome.Status == model.ProcessedStatusAcked {
			resp.Acked = append(resp.Acked, outcome.EventID)
		} else {
			reason := outcome.ReasonCode
			if reason == "" {
				reason = ReasonInvalidEvent
			}
			message := outcome.Message
			if message == "" {
				message = defaultRejectMessage
			}
			resp.Rejected = append(resp.Rejected, RejectedEvent{
				EventID:    outcome.EventID,
				ReasonCode: reason,
				Message:    message,
			})
		}
		if outcome.AlreadyProcessed {
			resp.AlreadyProcessed = append(resp.AlreadyProcessed, outcome.EventID)
		}
	}

	resp.ProcessedCount = len(resp.Acked)
	resp.SkippedCount = len(resp.AlreadyProcessed)
	resp.ErrorCount = len(resp.Rejected)
	return resp, nil
}

func (s *IngestService) processEvent(ctx context.Context, batch *IngestRequest, raw IngestEvent) (EventOutcome, error) {
	ev := normalizeEvent(raw)
	eventID := ev.id
	if eventID == "" {
		eventID = "unknown"
	}

	// An event without an id cannot be deduplicated, so its rejection is
	// never durable. Same for a missing idempotency key.
	if ev.id == "" {
		return rejectOutcome(eventID, ReasonInvalidEvent, "Event id is required."), nil
	}
	if ev.key == "" {
		return rejectOutcome(eventID, ReasonInvalidIdempotencyKey, "Event idempotencyKey is required."), nil
	}

	if ev.typ == "" {
		return s.recordRejection(ctx, batch, ev, rejectOutcome(eventID, ReasonInvalidEvent, "Event type is required."))
	}
	if ev.createdAt == nil {
		return s.recordRejection(ctx, batch, ev, rejectOutcome(eventID, ReasonInvalidTimestamp, "Event createdAt is invalid."))
	}

	// Network-level retries answer from the ledger without side effects.
	lookup := ledgerLookup{key: ev.key, deviceID: batch.DeviceID, eventID: ev.id}
	existing, err := s.findProcessed(ctx, s.repo.DB(ctx), lookup)
	if err != nil {
		return EventOutcome{}, err
	}
	if existing != nil {
		return mapProcessed(existing, eventID), nil
	}

	handler, ok := s.handlers[ev.typ]
	if !ok {
		return s.recordRejection(ctx, batch, ev, rejectOutcome(eventID, ReasonUnsupportedEventType, "Unsupported event type: "+ev.typ+"."))
	}

	return handler(ctx, batch, ev)
}

func normalizeEvent(raw IngestEvent) normalizedEvent {
	ev := normalizedEvent{
		id:      strings.TrimSpace(raw.ID),
		typ:     strings.TrimSpace(raw.Type),
		key:     strings.TrimSpace(raw.IdempotencyKey),
		payload: raw.Payload,
	}
	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw.CreatedAt)); err == nil {
		ev.createdAt = &ts
	}
	return ev
}

func (s *IngestService) findProcessed(ctx context.Context, tx *gorm.DB, lookup ledgerLookup) (*model.ProcessedEvent, error) {
	byKey, err := s.repo.FindProcessedByKey(ctx, tx, lookup.key)
	if err != nil || byKey != nil {
		return byKey, err
	}
	if lookup.deviceID == "" {
		return nil, nil
	}
	return s.repo.FindProcessedByDeviceEvent(ctx, tx, lookup.deviceID, lookup.eventID)
}

// recordRejection makes an early rejection durable when the event carries
// enough identity (id, key, type) to answer a retried duplicate
// identically. The ledger row gets its own transaction since there is no
// business effect to pair with.
func (s *IngestService) recordRejection(ctx context.Context, batch *IngestRequest, ev normalizedEvent, outcome EventOutcome) (EventOutcome, error) {
	if ev.id == "" || ev.key == "" || ev.typ == "" {
		return outcome, nil
	}

	lookup := ledgerLookup{key: ev.key, deviceID: batch.DeviceID, eventID: ev.id}
	var recorded *model.ProcessedEvent
	result := outcome

	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.findProcessed(ctx, tx, lookup)
		if err != nil {
			return err
		}
		if existing != nil {
			result = mapProcessed(existing, ev.id)
			return nil
		}

		recorded = s.newLedgerRow(batch, ev.id, ev.typ, ev.key, model.ProcessedStatusRejected, rejectResult{
			ReasonCode: outcome.ReasonCode,
			Message:    outcome.Message,
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

	s.publishOutcome(ctx, recorded)
	return result, nil
}

// resolveLedgerRace handles a unique-constraint loss against a concurrent
// delivery of the same event: the winner's outcome is replayed.
func (s *IngestService) resolveLedgerRace(ctx context.Context, cause error, lookup ledgerLookup, eventID string) (*EventOutcome, error) {
	if !repo.IsUniqueViolation(cause) {
		return nil, nil
	}
	existing, err := s.findProcessed(ctx, s.repo.DB(ctx), lookup)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	outcome := mapProcessed(existing, eventID)
	return &outcome, nil
}

func (s *IngestService) publishOutcome(ctx context.Context, recorded *model.ProcessedEvent) {
	if recorded == nil {
		return
	}
	if err := s.repo.PublishProcessedOutcome(ctx, recorded); err != nil {
		s.log.Warnf("publish processed outcome %s: %v", recorded.EventID, err)
	}
}

type rejectResult struct {
	ReasonCode string `json:"reasonCode"`
	Message    string `json:"message"`
}

type ackResult struct {
	AttendanceID string `json:"attendanceId"`
	MemberID     string `json:"memberId"`
	PreExisting  bool   `json:"preExisting,omitempty"`
	Assumed      bool   `json:"assumed,omitempty"`
}

func rejectOutcome(eventID, reasonCode, message string) EventOutcome {
	return EventOutcome{
		Status:     model.ProcessedStatusRejected,
		EventID:    eventID,
		ReasonCode: reasonCode,
		Message:    message,
	}
}

func ackOutcome(eventID string) EventOutcome {
	return EventOutcome{Status: model.ProcessedStatusAcked, EventID: eventID}
}

// mapProcessed replays a recorded outcome for a duplicate delivery.
func mapProcessed(rec *model.ProcessedEvent, fallbackEventID string) EventOutcome {
	eventID := rec.EventID
	if eventID == "" {
		eventID = fallbackEventID
	}

	if rec.Status == model.ProcessedStatusRejected {
		var res rejectResult
		_ = json.Unmarshal([]byte(rec.Result), &res)
		if res.ReasonCode == "" {
			res.ReasonCode = ReasonInvalidEvent
		}
		if res.Message == "" {
			res.Message = defaultRejectMessage
		}
		return EventOutcome{
			Status:           model.ProcessedStatusRejected,
			EventID:          eventID,
			ReasonCode:       res.ReasonCode,
			Message:          res.Message,
			AlreadyProcessed: true,
		}
	}

	return EventOutcome{
		Status:           model.ProcessedStatusAcked,
		EventID:          eventID,
		AlreadyProcessed: true,
	}
}
