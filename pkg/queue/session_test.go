package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sftpflow/pkg/flow"
)

func newTestSession(t *testing.T, opts Options) (*RedisSession, *redis.Client) {
	t.Helper()
	addr := os.Getenv("SFTPFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SFTPFLOW_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	s := NewRedisSession(client, "test-"+uuid.NewString(), opts)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, s.prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	return s, client
}

func TestRedisSessionCommit(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, Options{Penalty: time.Minute})

	a := flow.NewRecord(map[string]string{flow.AttrFilename: "a.csv"})
	b := flow.NewRecord(map[string]string{flow.AttrFilename: "b.csv"})
	require.NoError(t, s.Enqueue(ctx, a, b))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a.csv", got.Attribute(flow.AttrFilename))

	assert.Error(t, s.Commit(ctx), "in-flight record must be accounted for")

	s.Transfer(got, flow.RelSuccess)
	require.NoError(t, s.Commit(ctx))

	out, err := s.Peek(ctx, flow.RelSuccess, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, a.ID, out[0].ID)

	got, err = s.Get(ctx)
	require.NoError(t, err)
	s.Remove(got)
	require.NoError(t, s.Commit(ctx))

	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	stats, err := s.Stats(ctx, []flow.Relationship{flow.RelSuccess, flow.RelFailure})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.InFlight)
	assert.Equal(t, int64(1), stats.Outputs[flow.RelSuccess])
	assert.Equal(t, int64(0), stats.Outputs[flow.RelFailure])
}

func TestRedisSessionRollback(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, Options{})

	rec := flow.NewRecord(nil)
	require.NoError(t, s.Enqueue(ctx, rec))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	s.Transfer(got, flow.RelSuccess)
	require.NoError(t, s.Rollback(ctx))

	again, err := s.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, rec.ID, again.ID)

	out, err := s.Peek(ctx, flow.RelSuccess, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRedisSessionRequeuePenalized(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, Options{Penalty: time.Minute, Requeue: []flow.Relationship{flow.RelFailure}})

	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Enqueue(ctx, flow.NewRecord(nil)))
	got, err := s.Get(ctx)
	require.NoError(t, err)
	s.Transfer(s.Penalize(got), flow.RelFailure)
	require.NoError(t, s.Commit(ctx))

	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "penalized record is not ready yet")

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	got, err = s.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	s.Remove(got)
	require.NoError(t, s.Commit(ctx))
}

func TestRedisSessionConflictIsNotRequeued(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, Options{Penalty: time.Minute, Requeue: []flow.Relationship{flow.RelFailure}})

	require.NoError(t, s.Enqueue(ctx, flow.NewRecord(nil)))
	got, err := s.Get(ctx)
	require.NoError(t, err)
	got.PutAttributes(map[string]string{
		flow.AttrExceptionReport: flow.ExceptionReport(flow.NewError(flow.ErrorTypeConflict, "remote file exists: /out/a.csv", nil)),
	})
	s.Transfer(s.Penalize(got), flow.RelFailure)
	require.NoError(t, s.Commit(ctx))

	stats, err := s.Stats(ctx, []flow.Relationship{flow.RelFailure})
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, int64(1), stats.Outputs[flow.RelFailure])
}

func TestRedisSessionBackpressure(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, Options{Backpressure: 1})
	rels := []flow.Relationship{flow.RelSuccess, flow.RelFailure}

	available, err := s.AvailableRelationships(ctx, rels)
	require.NoError(t, err)
	assert.Equal(t, rels, available)

	require.NoError(t, s.Enqueue(ctx, flow.NewRecord(nil)))
	got, err := s.Get(ctx)
	require.NoError(t, err)
	s.Transfer(got, flow.RelSuccess)
	require.NoError(t, s.Commit(ctx))

	available, err = s.AvailableRelationships(ctx, rels)
	require.NoError(t, err)
	assert.Equal(t, []flow.Relationship{flow.RelFailure}, available)
}

func TestRedisSessionRecover(t *testing.T) {
	ctx := context.Background()
	s, client := newTestSession(t, Options{})

	rec := flow.NewRecord(nil)
	require.NoError(t, s.Enqueue(ctx, rec))

	// A second node claims the record and stops without committing.
	other := NewRedisSession(client, "", Options{})
	other.prefix = s.prefix
	claimed, err := other.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := s.Recover(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "claim is still fresh")

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = s.Recover(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
}

func TestRedisSessionTouchKeepsClaimFresh(t *testing.T) {
	ctx := context.Background()
	s, client := newTestSession(t, Options{})
	require.NoError(t, s.Enqueue(ctx, flow.NewRecord(nil)))

	worker := NewRedisSession(client, "", Options{})
	worker.prefix = s.prefix
	claimed, err := worker.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	later := time.Now().Add(2 * time.Hour)
	worker.now = func() time.Time { return later }
	require.NoError(t, worker.Touch(ctx))

	s.now = func() time.Time { return later }
	n, err := s.Recover(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "a touched claim is not stranded")

	worker.Remove(claimed)
	require.NoError(t, worker.Commit(ctx))
	require.NoError(t, worker.Touch(ctx))
	inflight, err := client.HLen(ctx, s.inflightKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight, "touch does not recreate committed claims")
}

func TestRedisSessionHeartbeat(t *testing.T) {
	ctx := context.Background()
	s, client := newTestSession(t, Options{Heartbeat: 20 * time.Millisecond})
	require.NoError(t, s.Enqueue(ctx, flow.NewRecord(nil)))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	first, err := client.HGet(ctx, s.inflightKey(), got.ID).Int64()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ms, err := client.HGet(ctx, s.inflightKey(), got.ID).Int64()
		return err == nil && ms > first
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Rollback(ctx))
	s.mu.Lock()
	assert.Nil(t, s.stopHeartbeat)
	s.mu.Unlock()
}
