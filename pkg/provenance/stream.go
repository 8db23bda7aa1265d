package provenance

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"sftpflow/pkg/logger"
)

const DefaultStream = "sftpflow:provenance"

// StreamReporter appends events to a capped redis stream so every node's
// lineage can be read from one place.
type StreamReporter struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *logger.Logger
}

func NewStreamReporter(client *redis.Client, stream string, maxLen int64, log *logger.Logger) *StreamReporter {
	if stream == "" {
		stream = DefaultStream
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &StreamReporter{client: client, stream: stream, maxLen: maxLen, logger: log}
}

func (r *StreamReporter) Report(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to marshal provenance event", err, map[string]any{"record_id": ev.RecordID})
		return
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{"type": string(ev.Type), "event": data},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		r.logger.Error("failed to append provenance event", err, map[string]any{
			"stream":    r.stream,
			"record_id": ev.RecordID,
		})
	}
}

// Recent returns up to count of the newest events, newest first.
func (r *StreamReporter) Recent(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
