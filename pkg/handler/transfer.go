package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"sftpflow/pkg/flow"
	"sftpflow/pkg/logger"
	"sftpflow/pkg/shared"
	"sftpflow/pkg/transfer"
)

type TransferHandler struct {
	loop       *transfer.Loop
	newSession func() Queue
	gate       Gate
	trigger    BatchTrigger
	logger     *logger.Logger
}

func NewTransferHandler(loop *transfer.Loop, newSession func() Queue, gate Gate, trigger BatchTrigger, logger *logger.Logger) *TransferHandler {
	return &TransferHandler{
		loop:       loop,
		newSession: newSession,
		gate:       gate,
		trigger:    trigger,
		logger:     logger,
	}
}

func (h *TransferHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload shared.TransferBatchPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			h.logger.Error("failed to unmarshal payload", err, nil)
			return fmt.Errorf("unmarshal payload: %w: %w", err, asynq.SkipRetry)
		}
	}

	if h.gate != nil {
		run, err := h.gate.ShouldRun(ctx, shared.ProcessorTransfer)
		if err != nil {
			return fmt.Errorf("failed to check yield state: %w", err)
		}
		if !run {
			h.logger.Debug("transfer is yielding, skipping batch", map[string]any{"reason": payload.Reason})
			return nil
		}
	}

	res, err := h.loop.Run(ctx, h.newSession())
	if err != nil {
		if res != nil && res.Yield && h.gate != nil {
			if yieldErr := h.gate.Yield(ctx, shared.ProcessorTransfer, flow.ExceptionReport(err)); yieldErr != nil {
				h.logger.Error("failed to yield transfer", yieldErr, nil)
			}
		}
		return fmt.Errorf("transfer batch failed: %w: %w", err, asynq.SkipRetry)
	}

	if res.StopReason == transfer.StopBatchSize && h.trigger != nil {
		if _, err := h.trigger.TriggerTransfer(ctx, "continue"); err != nil {
			h.logger.Error("failed to schedule follow-up batch", err, nil)
		}
	}
	return nil
}
