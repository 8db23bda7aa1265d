package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sftpflow/pkg/logger"
)

const yieldKeyPrefix = "sftpflow:yield:"

type YieldState struct {
	Until     int64  `json:"until"`
	Reason    string `json:"reason"`
	YieldedAt int64  `json:"yielded_at"`
}

// Yielder keeps a per-processor "do not schedule before" mark shared by all
// nodes.
type Yielder struct {
	redisClient *redis.Client
	duration    time.Duration
	logger      *logger.Logger
	now         func() time.Time
}

func NewYielder(redisClient *redis.Client, duration time.Duration, logger *logger.Logger) *Yielder {
	return &Yielder{
		redisClient: redisClient,
		duration:    duration,
		logger:      logger,
		now:         time.Now,
	}
}

// Yield blocks processor from being scheduled for the configured duration.
func (y *Yielder) Yield(ctx context.Context, processor, reason string) error {
	now := y.now()
	state := &YieldState{
		Until:     now.Add(y.duration).UnixMilli(),
		Reason:    reason,
		YieldedAt: now.UnixMilli(),
	}
	if err := y.saveYieldState(ctx, processor, state); err != nil {
		return fmt.Errorf("failed to save yield state: %w", err)
	}

	y.logger.Info("processor yielded", map[string]any{
		"processor": processor,
		"reason":    reason,
		"duration":  y.duration.String(),
	})
	return nil
}

// ShouldRun reports whether processor may be scheduled now.
func (y *Yielder) ShouldRun(ctx context.Context, processor string) (bool, error) {
	state, err := y.getYieldState(ctx, processor)
	if err != nil {
		return false, fmt.Errorf("failed to get yield state: %w", err)
	}
	return y.now().UnixMilli() >= state.Until, nil
}

func (y *Yielder) State(ctx context.Context, processor string) (*YieldState, error) {
	return y.getYieldState(ctx, processor)
}

func (y *Yielder) getYieldState(ctx context.Context, processor string) (*YieldState, error) {
	result, err := y.redisClient.Get(ctx, yieldKeyPrefix+processor).Result()
	if err != nil {
		if err == redis.Nil {
			return &YieldState{}, nil
		}
		return nil, err
	}

	var state YieldState
	if err := json.Unmarshal([]byte(result), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yield state: %w", err)
	}
	return &state, nil
}

func (y *Yielder) saveYieldState(ctx context.Context, processor string, state *YieldState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal yield state: %w", err)
	}

	expiration := 2 * y.duration
	if expiration < time.Second {
		expiration = time.Second
	}
	return y.redisClient.Set(ctx, yieldKeyPrefix+processor, data, expiration).Err()
}
