package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"sftpflow/pkg/coord"
	"sftpflow/pkg/flow"
	"sftpflow/pkg/listing"
	"sftpflow/pkg/logger"
	"sftpflow/pkg/shared"
)

type ListingHandler struct {
	engine     *listing.Engine
	newSession func() Queue
	gate       Gate
	lease      Lease
	logger     *logger.Logger
}

func NewListingHandler(engine *listing.Engine, newSession func() Queue, gate Gate, lease Lease, logger *logger.Logger) *ListingHandler {
	return &ListingHandler{
		engine:     engine,
		newSession: newSession,
		gate:       gate,
		lease:      lease,
		logger:     logger,
	}
}

func (h *ListingHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload shared.ListingPassPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			h.logger.Error("failed to unmarshal payload", err, nil)
			return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
		}
	}

	session := h.newSession()

	// A trigger is queued before any gate so a skipped pass does not lose it.
	if len(payload.Attributes) > 0 {
		trigger := flow.NewRecord(payload.Attributes)
		if err := session.Enqueue(ctx, trigger); err != nil {
			return fmt.Errorf("enqueue trigger record: %w", err)
		}
		h.logger.Info("listing trigger queued", map[string]any{"record_id": trigger.ID})
	}

	if h.lease != nil {
		leader, err := h.lease.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to check leadership: %w", err)
		}
		if !leader {
			h.logger.Debug("not the primary node, skipping listing pass", nil)
			return nil
		}

		held, stop := h.lease.Hold(ctx)
		defer stop()
		ctx = held
	}

	if h.gate != nil {
		run, err := h.gate.ShouldRun(ctx, shared.ProcessorListing)
		if err != nil {
			return fmt.Errorf("failed to check yield state: %w", err)
		}
		if !run {
			h.logger.Debug("listing is yielding, skipping pass", nil)
			return nil
		}
	}

	res, err := h.engine.Run(ctx, session)
	if err != nil {
		if errors.Is(context.Cause(ctx), coord.ErrLeaseLost) {
			h.logger.Warn("leader lease lost during listing pass", map[string]any{"error": err.Error()})
			return fmt.Errorf("listing pass aborted: %w: %w", coord.ErrLeaseLost, asynq.SkipRetry)
		}
		if res != nil && res.Yield && h.gate != nil {
			if yieldErr := h.gate.Yield(ctx, shared.ProcessorListing, flow.ExceptionReport(err)); yieldErr != nil {
				h.logger.Error("failed to yield listing", yieldErr, nil)
			}
		}
		return fmt.Errorf("listing pass failed: %w: %w", err, asynq.SkipRetry)
	}

	h.logger.Info("listing pass finished", map[string]any{
		"key":      res.Key,
		"listed":   res.Listed,
		"emitted":  res.Emitted,
		"no_match": res.NoMatch,
	})
	return nil
}
