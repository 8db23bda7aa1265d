package handler

import (
	"context"

	"sftpflow/pkg/flow"
)

// Queue is a session whose pending queue accepts new records.
type Queue interface {
	flow.Session
	Enqueue(ctx context.Context, recs ...*flow.Record) error
}

// Gate tells whether a processor may run and records yields.
type Gate interface {
	ShouldRun(ctx context.Context, processor string) (bool, error)
	Yield(ctx context.Context, processor, reason string) error
}

// Lease grants the right to run work that only one node may run. Hold keeps
// it renewed and cancels the returned context once it is lost.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Hold(ctx context.Context) (context.Context, func())
}

// BatchTrigger schedules another transfer batch right away.
type BatchTrigger interface {
	TriggerTransfer(ctx context.Context, reason string) (string, error)
}
