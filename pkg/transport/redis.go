package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all queue keys in a shared Redis.
const DefaultRedisPrefix = "agentwire:inbox:"

// RedisConfig holds Redis queue transport configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for agent inbox queues.
	Prefix string `yaml:"prefix"`
	// PollInterval is how often an idle receiver re-polls (default 1s).
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RedisQueue is a store-and-forward transport: envelopes are RPUSHed
// onto the receiving agent's inbox list and drained by that agent's
// receive loop. Delivery is asynchronous, so Dispatch acknowledges
// queuing, not processing; respond envelopes travel back as later
// independent dispatches.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newRedisQueue(client, cfg), nil
}

// NewRedisQueueFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewRedisQueueFromClient(client *redis.Client, cfg RedisConfig) *RedisQueue {
	return newRedisQueue(client, cfg)
}

func newRedisQueue(client *redis.Client, cfg RedisConfig) *RedisQueue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &RedisQueue{client: client, prefix: prefix, pollInterval: poll}
}

func (q *RedisQueue) inboxKey(agentID string) string {
	return q.prefix + agentID
}

// Dispatch queues raw for the agent addressed by addr. For the queue
// transport an address is the receiving agent's ID. The returned reply
// is nil: acknowledgment arrives asynchronously.
func (q *RedisQueue) Dispatch(ctx context.Context, addr string, raw []byte) ([]byte, error) {
	if err := q.client.RPush(ctx, q.inboxKey(addr), raw).Err(); err != nil {
		return nil, fmt.Errorf("queue envelope for %s: %w", addr, err)
	}
	return nil, nil
}

// Drain pops every queued envelope for agentID, up to max when max is
// positive.
func (q *RedisQueue) Drain(ctx context.Context, agentID string, max int) ([][]byte, error) {
	key := q.inboxKey(agentID)
	var out [][]byte
	for max <= 0 || len(out) < max {
		raw, err := q.client.LPop(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("drain inbox %s: %w", agentID, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// Len returns the number of envelopes queued for agentID.
func (q *RedisQueue) Len(ctx context.Context, agentID string) (int64, error) {
	n, err := q.client.LLen(ctx, q.inboxKey(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("inbox length for %s: %w", agentID, err)
	}
	return n, nil
}

// Clear empties the inbox for agentID.
func (q *RedisQueue) Clear(ctx context.Context, agentID string) error {
	if err := q.client.Del(ctx, q.inboxKey(agentID)).Err(); err != nil {
		return fmt.Errorf("clear inbox for %s: %w", agentID, err)
	}
	return nil
}

// Receive drains agentID's inbox into handler until ctx is cancelled.
// Replies produced by the handler are discarded: on a queue transport
// the handler's outbound responses travel as separate dispatches.
func (q *RedisQueue) Receive(ctx context.Context, agentID string, handler Handler) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			envelopes, err := q.Drain(ctx, agentID, 0)
			if err != nil {
				log.Printf("agentwire: redis drain for %s: %v", agentID, err)
				continue
			}
			for _, raw := range envelopes {
				if _, err := handler.HandleRaw(ctx, raw); err != nil {
					log.Printf("agentwire: redis inbound for %s rejected: %v", agentID, err)
				}
			}
		}
	}
}

// Ping verifies the Redis connection, for health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Dispatcher = (*RedisQueue)(nil)
