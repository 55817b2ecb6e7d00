package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/mediafetch/backend/internal/errors"
)

const (
	// Redis key prefixes
	keyJobStatus = "download:job:"
	keyUserJobs  = "download:user:"
	keyProgress  = "download:progress"

	// DefaultSnapshotTTL is how long a job snapshot stays in Redis
	DefaultSnapshotTTL = 24 * time.Hour
)

// RedisStore keeps snapshots in Redis and publishes every saved snapshot on
// download:progress:<user>.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Client returns the underlying Redis client for pub/sub operations
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Save stores the snapshot, indexes it under its user and publishes it
func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	userKey := keyUserJobs + snap.UserID
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyJobStatus+snap.ID, data, s.ttl)
	pipe.ZAdd(ctx, userKey, redis.Z{Score: float64(snap.CreatedAt.UnixMilli()), Member: snap.ID})
	pipe.Expire(ctx, userKey, s.ttl)
	pipe.Publish(ctx, progressChannel(snap.UserID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.StorageError("failed to save job").WithCause(err)
	}
	return nil
}

// Get retrieves a job by ID
func (s *RedisStore) Get(ctx context.Context, jobID string) (Snapshot, error) {
	data, err := s.client.Get(ctx, keyJobStatus+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, apperrors.JobNotFound()
		}
		return Snapshot{}, apperrors.StorageError("failed to get job").WithCause(err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return snap, nil
}

// ListByUser returns the user's jobs newest first. Index entries whose
// snapshot has expired are pruned.
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]Snapshot, error) {
	userKey := keyUserJobs + userID
	ids, err := s.client.ZRevRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		return nil, apperrors.StorageError("failed to list jobs").WithCause(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyJobStatus + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperrors.StorageError("failed to list jobs").WithCause(err)
	}

	var snaps []Snapshot
	var stale []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(str), &snap); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, userKey, stale...)
	}
	return snaps, nil
}

// Subscribe streams the snapshots published for userID until the returned
// subscription is closed. It returns once Redis confirmed the subscription,
// so no snapshot saved afterwards is missed.
func (s *RedisStore) Subscribe(ctx context.Context, userID string) (*ProgressSubscription, error) {
	pubsub := s.client.Subscribe(ctx, progressChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, apperrors.StorageError("failed to subscribe to job updates").WithCause(err)
	}
	return &ProgressSubscription{pubsub: pubsub, ch: pubsub.Channel()}, nil
}

// SubscribeAll streams the snapshots published for every user
func (s *RedisStore) SubscribeAll(ctx context.Context) (*ProgressSubscription, error) {
	pubsub := s.client.PSubscribe(ctx, keyProgress+":*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, apperrors.StorageError("failed to subscribe to job updates").WithCause(err)
	}
	return &ProgressSubscription{pubsub: pubsub, ch: pubsub.Channel()}, nil
}

func progressChannel(userID string) string {
	return fmt.Sprintf("%s:%s", keyProgress, userID)
}

// ProgressSubscription wraps a Redis pub/sub subscription for job snapshots
type ProgressSubscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// Channel returns a channel that receives job snapshots. It is closed when
// the subscription is closed.
func (s *ProgressSubscription) Channel() <-chan Snapshot {
	out := make(chan Snapshot)

	go func() {
		defer close(out)
		for msg := range s.ch {
			var snap Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				continue
			}
			out <- snap
		}
	}()

	return out
}

// Close closes the subscription
func (s *ProgressSubscription) Close() error {
	return s.pubsub.Close()
}
