package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sftpflow/pkg/flow"
)

// claimScript moves the first ready record from pending to in-flight.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('HSET', KEYS[2], ids[1], ARGV[1])
return ids[1]
`)

// touchScript refreshes the claim time of records still in flight.
var touchScript = redis.NewScript(`
for i = 2, #ARGV do
  if redis.call('HEXISTS', KEYS[1], ARGV[i]) == 1 then
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[1])
  end
end
return 0
`)

// recoverScript moves claims at or before ARGV[1] back to pending with score
// ARGV[2].
var recoverScript = redis.NewScript(`
local claims = redis.call('HGETALL', KEYS[1])
local n = 0
for i = 1, #claims, 2 do
  local ms = tonumber(claims[i + 1])
  if ms == nil or ms <= tonumber(ARGV[1]) then
    redis.call('ZADD', KEYS[2], ARGV[2], claims[i])
    redis.call('HDEL', KEYS[1], claims[i])
    n = n + 1
  end
end
return n
`)

type Options struct {
	Penalty time.Duration
	// Backpressure makes a relationship unavailable once its output list
	// holds this many records. Zero disables the check.
	Backpressure int64
	// Requeue lists relationships whose records go back to the pending
	// queue, ready once their penalty expires, instead of an output list.
	// Records failing flow.Retryable are always routed to the output list.
	Requeue []flow.Relationship
	// Heartbeat refreshes this session's claims at the given interval while
	// records are in flight. It must be well below the Recover threshold.
	Heartbeat time.Duration
}

// RedisSession is a flow.Session over redis structures shared by every
// node:
//
//	<prefix>:pending     sorted set of record IDs scored by ready time (ms)
//	<prefix>:records     hash of record ID to JSON record
//	<prefix>:inflight    hash of claimed record ID to claim time (ms)
//	<prefix>:out:<rel>   list of JSON records routed to rel
type RedisSession struct {
	client *redis.Client
	prefix string
	opts   Options
	now    func() time.Time

	mu            sync.Mutex
	inFlight      map[string]*flow.Record
	staged        []flow.Outcome
	removed       map[string]bool
	stopHeartbeat context.CancelFunc
}

func NewRedisSession(client *redis.Client, name string, opts Options) *RedisSession {
	return &RedisSession{
		client:   client,
		prefix:   "sftpflow:queue:" + name,
		opts:     opts,
		now:      time.Now,
		inFlight: make(map[string]*flow.Record),
		removed:  make(map[string]bool),
	}
}

func (s *RedisSession) pendingKey() string  { return s.prefix + ":pending" }
func (s *RedisSession) recordsKey() string  { return s.prefix + ":records" }
func (s *RedisSession) inflightKey() string { return s.prefix + ":inflight" }
func (s *RedisSession) outKey(rel flow.Relationship) string {
	return s.prefix + ":out:" + string(rel)
}

// Enqueue adds records to the pending queue.
func (s *RedisSession) Enqueue(ctx context.Context, recs ...*flow.Record) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal record %s: %w", rec.ID, err)
			}
			pipe.HSet(ctx, s.recordsKey(), rec.ID, data)
			pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: s.readyScore(rec), Member: rec.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue records: %w", err)
	}
	return nil
}

func (s *RedisSession) readyScore(rec *flow.Record) float64 {
	ready := s.now()
	if rec.PenalizedUntil.After(ready) {
		ready = rec.PenalizedUntil
	}
	return float64(ready.UnixMilli())
}

func (s *RedisSession) Get(ctx context.Context) (*flow.Record, error) {
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	for {
		id, err := claimScript.Run(ctx, s.client, []string{s.pendingKey(), s.inflightKey()}, now).Text()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim record: %w", err)
		}

		data, err := s.client.HGet(ctx, s.recordsKey(), id).Result()
		if err == redis.Nil {
			// Orphaned ID; drop the claim and try the next one.
			s.client.HDel(ctx, s.inflightKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load record %s: %w", id, err)
		}

		var rec flow.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
		}

		s.mu.Lock()
		s.inFlight[rec.ID] = &rec
		s.startHeartbeat()
		s.mu.Unlock()
		return &rec, nil
	}
}

// startHeartbeat must be called with s.mu held.
func (s *RedisSession) startHeartbeat() {
	if s.opts.Heartbeat <= 0 || s.stopHeartbeat != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopHeartbeat = cancel
	go func() {
		ticker := time.NewTicker(s.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			// A failed refresh is retried on the next tick.
			_ = s.Touch(ctx)
		}
	}()
}

// Touch refreshes the claim time of every record this session holds, so
// Recover leaves them alone. Claims already committed or recovered are not
// recreated.
func (s *RedisSession) Touch(ctx context.Context) error {
	s.mu.Lock()
	args := make([]any, 0, len(s.inFlight)+1)
	args = append(args, s.now().UnixMilli())
	for id := range s.inFlight {
		args = append(args, id)
	}
	s.mu.Unlock()

	if len(args) == 1 {
		return nil
	}
	if err := touchScript.Run(ctx, s.client, []string{s.inflightKey()}, args...).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("refresh in-flight claims: %w", err)
	}
	return nil
}

func (s *RedisSession) Transfer(rec *flow.Record, rel flow.Relationship) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, flow.Outcome{Record: rec, Relationship: rel})
}

func (s *RedisSession) Penalize(rec *flow.Record) *flow.Record {
	rec.PenalizedUntil = s.now().Add(s.opts.Penalty)
	return rec
}

func (s *RedisSession) Remove(rec *flow.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[rec.ID] = true
}

func (s *RedisSession) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounted := make(map[string]bool, len(s.staged)+len(s.removed))
	for _, out := range s.staged {
		accounted[out.Record.ID] = true
	}
	for id := range s.removed {
		accounted[id] = true
	}
	for id := range s.inFlight {
		if !accounted[id] {
			return fmt.Errorf("record %s was neither transferred nor removed", id)
		}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, out := range s.staged {
			data, err := json.Marshal(out.Record)
			if err != nil {
				return fmt.Errorf("marshal record %s: %w", out.Record.ID, err)
			}
			if slices.Contains(s.opts.Requeue, out.Relationship) && flow.Retryable(out.Record) {
				pipe.HSet(ctx, s.recordsKey(), out.Record.ID, data)
				pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: s.readyScore(out.Record), Member: out.Record.ID})
			} else {
				pipe.RPush(ctx, s.outKey(out.Relationship), data)
				pipe.HDel(ctx, s.recordsKey(), out.Record.ID)
			}
			pipe.HDel(ctx, s.inflightKey(), out.Record.ID)
		}
		for id := range s.removed {
			pipe.HDel(ctx, s.recordsKey(), id)
			pipe.HDel(ctx, s.inflightKey(), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit session: %w", err)
	}

	s.reset()
	return nil
}

func (s *RedisSession) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inFlight) > 0 {
		score := float64(s.now().UnixMilli())
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for id := range s.inFlight {
				pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: score, Member: id})
				pipe.HDel(ctx, s.inflightKey(), id)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("rollback session: %w", err)
		}
	}

	s.reset()
	return nil
}

func (s *RedisSession) reset() {
	if s.stopHeartbeat != nil {
		s.stopHeartbeat()
		s.stopHeartbeat = nil
	}
	s.staged = nil
	s.removed = make(map[string]bool)
	s.inFlight = make(map[string]*flow.Record)
}

func (s *RedisSession) AvailableRelationships(ctx context.Context, rels []flow.Relationship) ([]flow.Relationship, error) {
	if s.opts.Backpressure <= 0 {
		return slices.Clone(rels), nil
	}

	pipe := s.client.Pipeline()
	lens := make([]*redis.IntCmd, len(rels))
	for i, rel := range rels {
		lens[i] = pipe.LLen(ctx, s.outKey(rel))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check output queues: %w", err)
	}

	available := make([]flow.Relationship, 0, len(rels))
	for i, rel := range rels {
		if slices.Contains(s.opts.Requeue, rel) || lens[i].Val() < s.opts.Backpressure {
			available = append(available, rel)
		}
	}
	return available, nil
}

// Recover returns records claimed before now-olderThan to the pending
// queue. Claims are left behind by nodes that stopped mid-session; live
// sessions keep theirs fresh with Touch.
func (s *RedisSession) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-olderThan).UnixMilli()
	n, err := recoverScript.Run(ctx, s.client, []string{s.inflightKey(), s.pendingKey()}, cutoff, now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("recover in-flight records: %w", err)
	}
	return n, nil
}

// Peek returns up to limit records from the front of rel's output list.
func (s *RedisSession) Peek(ctx context.Context, rel flow.Relationship, limit int64) ([]*flow.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	items, err := s.client.LRange(ctx, s.outKey(rel), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s outputs: %w", rel, err)
	}
	recs := make([]*flow.Record, 0, len(items))
	for _, item := range items {
		var rec flow.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal %s output: %w", rel, err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

type Stats struct {
	Pending  int64                       `json:"pending"`
	InFlight int64                       `json:"in_flight"`
	Outputs  map[flow.Relationship]int64 `json:"outputs"`
}

func (s *RedisSession) Stats(ctx context.Context, rels []flow.Relationship) (*Stats, error) {
	pipe := s.client.Pipeline()
	pending := pipe.ZCard(ctx, s.pendingKey())
	inflight := pipe.HLen(ctx, s.inflightKey())
	outs := make([]*redis.IntCmd, len(rels))
	for i, rel := range rels {
		outs[i] = pipe.LLen(ctx, s.outKey(rel))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read queue stats: %w", err)
	}

	stats := &Stats{
		Pending:  pending.Val(),
		InFlight: inflight.Val(),
		Outputs:  make(map[flow.Relationship]int64, len(rels)),
	}
	for i, rel := range rels {
		stats.Outputs[rel] = outs[i].Val()
	}
	return stats, nil
}
