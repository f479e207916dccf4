package billing

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventIndex remembers recently-processed event IDs per provider subscription.
// It complements the aggregate's LastProcessedEventID: the single stored key
// catches back-to-back duplicates, the index catches non-monotonic redelivery
// where another event landed in between.
//
// The index is a best-effort fast path. Implementations may lose entries (TTL,
// restart); correctness then falls back to the authoritative check inside the
// state machine's lock.
type EventIndex interface {
	// Seen reports whether the event was already marked as processed.
	Seen(ctx context.Context, subscriptionExternalID, eventID string) (bool, error)

	// Mark records the event as processed.
	Mark(ctx context.Context, subscriptionExternalID, eventID string) error
}

// memoryEventIndex keeps a bounded ring of recent event IDs per subscription.
type memoryEventIndex struct {
	mu       sync.Mutex
	capacity int
	recent   map[string][]string
}

// NewMemoryEventIndex returns an in-process EventIndex remembering up to
// capacity recent events per subscription (32 when capacity <= 0).
func NewMemoryEventIndex(capacity int) EventIndex {
	if capacity <= 0 {
		capacity = 32
	}
	return &memoryEventIndex{
		capacity: capacity,
		recent:   make(map[string][]string),
	}
}

func (m *memoryEventIndex) Seen(ctx context.Context, subscriptionExternalID, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.recent[subscriptionExternalID] {
		if id == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryEventIndex) Mark(ctx context.Context, subscriptionExternalID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := append(m.recent[subscriptionExternalID], eventID)
	if len(ring) > m.capacity {
		ring = ring[len(ring)-m.capacity:]
	}
	m.recent[subscriptionExternalID] = ring
	return nil
}

// redisEventIndex shares the recent-events set across replicas so a redelivery
// hitting a different instance is still recognized. Entries expire with the
// TTL, bounding the set without explicit trimming.
type redisEventIndex struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisEventIndex returns a Redis-backed EventIndex. A zero TTL defaults to
// seven days, comfortably longer than any provider's redelivery horizon.
func NewRedisEventIndex(client redis.UniversalClient, ttl time.Duration) EventIndex {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &redisEventIndex{client: client, ttl: ttl}
}

func redisEventKey(subscriptionExternalID string) string {
	return "billing:events:" + subscriptionExternalID
}

func (r *redisEventIndex) Seen(ctx context.Context, subscriptionExternalID, eventID string) (bool, error) {
	return r.client.SIsMember(ctx, redisEventKey(subscriptionExternalID), eventID).Result()
}

func (r *redisEventIndex) Mark(ctx context.Context, subscriptionExternalID, eventID string) error {
	key := redisEventKey(subscriptionExternalID)

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, eventID)
	pipe.Expire(ctx, key, r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}
