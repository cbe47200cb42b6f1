package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gymops/gymsync/internal/repo"
	"github.com/gymops/gymsync/internal/service"
	"go.uber.org/zap"
)

// PushClient abstracts the transport for tests.
type PushClient interface {
	PushBatch(ctx context.Context, req *service.IngestRequest) (*service.IngestResponse, error)
}

// Dispatcher drains the outbox: claim a batch, push it, record outcomes.
// Multiple dispatcher instances may run concurrently; exclusivity comes from
// the claim's compare-and-swap, not from anything in this process.
type Dispatcher struct {
	repo      repo.RepositoryInterface
	client    PushClient
	log       *zap.SugaredLogger
	deviceID  string
	gymID     string
	batchSize int
	interval  time.Duration
}

func NewDispatcher(r repo.RepositoryInterface, client PushClient, deviceID, gymID string, batchSize int, interval time.Duration, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		repo:      r,
		client:    client,
		log:       logger,
		deviceID:  deviceID,
		gymID:     gymID,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Infow("dispatcher started", "interval", d.interval.String(), "batchSize", d.batchSize)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.log.Errorf("dispatch tick: %v", err)
			}
		}
	}
}

// RunOnce claims and delivers a single batch.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	claimed, err := d.repo.ClaimOutboxBatch(ctx, d.batchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	req := &service.IngestRequest{
		DeviceID: d.deviceID,
		GymID:    d.gymID,
		Events:   make([]service.IngestEvent, 0, len(claimed)),
	}
	byEventID := make(map[string]string, len(claimed))
	for _, evt := range claimed {
		req.Events = append(req.Events, service.IngestEvent{
			ID:             evt.ID,
			Type:           evt.Type,
			Payload:        json.RawMessage(evt.Payload),
			IdempotencyKey: evt.IdempotencyKey,
			CreatedAt:      evt.CreatedAt.UTC().Format(time.RFC3339),
		})
		byEventID[evt.ID] = evt.ID
	}

	resp, err := d.client.PushBatch(ctx, req)
	if err != nil {
		// Unknown outcome for the whole batch: requeue everything with
		// backoff and let ledger dedup absorb any double delivery.
		d.log.Warnf("push batch of %d: %v", len(claimed), err)
		for _, evt := range claimed {
			if merr := d.repo.MarkOutboxFailed(ctx, evt.ID, err.Error()); merr != nil {
				d.log.Errorf("mark failed %s: %v", evt.ID, merr)
			}
		}
		return nil
	}

	d.applyResponse(ctx, byEventID, resp)
	return nil
}

func (d *Dispatcher) applyResponse(ctx context.Context, byEventID map[string]string, resp *service.IngestResponse) {
	seen := make(map[string]bool, len(byEventID))

	for _, id := range resp.Acked {
		if _, ok := byEventID[id]; !ok {
			continue
		}
		seen[id] = true
		if err := d.repo.MarkOutboxSent(ctx, id); err != nil {
			d.log.Errorf("mark sent %s: %v", id, err)
		}
	}

	// alreadyProcessed ids overlap acked/rejected; an already-processed
	// rejection was answered identically before, so the row is done either
	// way and retrying it would never change the outcome.
	for _, id := range resp.AlreadyProcessed {
		if _, ok := byEventID[id]; !ok || seen[id] {
			continue
		}
		seen[id] = true
		if err := d.repo.MarkOutboxSent(ctx, id); err != nil {
			d.log.Errorf("mark sent %s: %v", id, err)
		}
	}

	for _, rej := range resp.Rejected {
		if _, ok := byEventID[rej.EventID]; !ok || seen[rej.EventID] {
			continue
		}
		seen[rej.EventID] = true
		if err := d.repo.MarkOutboxFailed(ctx, rej.EventID, rej.ReasonCode+": "+rej.Message); err != nil {
			d.log.Errorf("mark failed %s: %v", rej.EventID, err)
		}
	}

	// Events the center never answered for stay SENDING only until the
	// next failure marks them; treat silence as failure.
	for id := range byEventID {
		if !seen[id] {
			if err := d.repo.MarkOutboxFailed(ctx, id, "no outcome in push response"); err != nil {
				d.log.Errorf("mark failed %s: %v", id, err)
			}
		}
	}

	d.log.Infow("batch dispatched",
		"acked", len(resp.Acked),
		"rejected", len(resp.Rejected),
		"alreadyProcessed", len(resp.AlreadyProcessed))
}
