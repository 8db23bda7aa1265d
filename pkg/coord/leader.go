package coord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leaderKeyPrefix = "sftpflow:leader:"

// ErrLeaseLost is the cause of a Hold context cancelled because the lease
// could not be renewed.
var ErrLeaseLost = errors.New("leader lease lost")

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// NewNodeID returns an identifier unique to this process.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Leader is a redis lease held by at most one node at a time. Holding it
// makes a node the primary for work that must not run concurrently in a
// cluster.
type Leader struct {
	client *redis.Client
	key    string
	nodeID string
	ttl    time.Duration
}

func NewLeader(client *redis.Client, name, nodeID string, ttl time.Duration) *Leader {
	return &Leader{
		client: client,
		key:    leaderKeyPrefix + name,
		nodeID: nodeID,
		ttl:    ttl,
	}
}

func (l *Leader) NodeID() string {
	return l.nodeID
}

// Acquire takes the lease when it is free and extends it when this node
// already holds it. It reports whether this node is the leader.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.nodeID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.nodeID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	return renewed == 1, nil
}

// Hold keeps renewing the lease every third of its TTL until stop is
// called. The returned context is cancelled with cause ErrLeaseLost once a
// renewal fails, so work that must run on the leader alone stops with it.
func (l *Leader) Hold(ctx context.Context) (context.Context, func()) {
	held, cancel := context.WithCancelCause(ctx)
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-held.Done():
				return
			case <-ticker.C:
			}
			ok, err := l.Acquire(held)
			if held.Err() != nil {
				return
			}
			if err != nil || !ok {
				cancel(ErrLeaseLost)
				return
			}
		}
	}()

	return held, func() {
		cancel(nil)
		<-done
	}
}

// Release drops the lease if this node holds it.
func (l *Leader) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.nodeID).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}

// Holder returns the node currently holding the lease, or "" if none does.
func (l *Leader) Holder(ctx context.Context) (string, error) {
	holder, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	return holder, nil
}
