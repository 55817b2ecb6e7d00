package download

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/media"
)

func snapshotAt(id, user string, state State, created time.Time) Snapshot {
	return Snapshot{ID: id, UserID: user, URL: testURL, Spec: media.VideoSpec(media.Quality720p), State: state, CreatedAt: created}
}

func TestMemoryStore_Retention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	base := time.Now()

	s.Save(ctx, snapshotAt("live", "u", StateFetching, base))
	for i := 0; i < 4; i++ {
		s.Save(ctx, snapshotAt(fmt.Sprintf("done-%d", i), "u", StateSucceeded, base.Add(time.Duration(i+1)*time.Second)))
	}

	jobs, _ := s.ListByUser(ctx, "u")
	if len(jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(jobs))
	}
	if jobs[0].ID != "done-3" || jobs[1].ID != "done-2" || jobs[2].ID != "live" {
		t.Errorf("order = %s %s %s", jobs[0].ID, jobs[1].ID, jobs[2].ID)
	}
	if _, err := s.Get(ctx, "done-0"); !apperrors.HasCode(err, apperrors.CodeJobNotFound) {
		t.Errorf("oldest finished job should be dropped, err = %v", err)
	}
}

func TestMemoryStore_UpdateKeepsSingleEntry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(5)
	snap := snapshotAt("a", "u", StateQueued, time.Now())
	s.Save(ctx, snap)
	snap.State = StateSucceeded
	s.Save(ctx, snap)

	jobs, _ := s.ListByUser(ctx, "u")
	if len(jobs) != 1 || jobs[0].State != StateSucceeded {
		t.Errorf("jobs = %+v", jobs)
	}
}

func getTestRedisClient(t *testing.T) *redis.Client {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Skipf("invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisStore_SaveGetList(t *testing.T) {
	client := getTestRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	store := NewRedisStore(client, time.Minute)
	user := fmt.Sprintf("test-user-%d", time.Now().UnixNano())
	defer client.Del(ctx, keyUserJobs+user)

	sub, err := store.Subscribe(ctx, user)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	updates := sub.Channel()

	all, err := store.SubscribeAll(ctx)
	if err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	defer all.Close()
	allUpdates := all.Channel()

	first := snapshotAt(user+"-1", user, StateQueued, time.Now())
	second := snapshotAt(user+"-2", user, StateSucceeded, time.Now().Add(time.Second))
	defer client.Del(ctx, keyJobStatus+first.ID, keyJobStatus+second.ID)

	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, first.ID)
	if err != nil || got.State != StateQueued {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	jobs, err := store.ListByUser(ctx, user)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != second.ID {
		t.Errorf("jobs = %+v", jobs)
	}

	select {
	case snap := <-updates:
		if snap.ID != first.ID {
			t.Errorf("first published snapshot = %s", snap.ID)
		}
	case <-time.After(2 * time.Second):
		t.Error("no snapshot published")
	}

	deadline := time.After(2 * time.Second)
	for seen := false; !seen; {
		select {
		case snap := <-allUpdates:
			seen = snap.UserID == user
		case <-deadline:
			t.Fatal("no snapshot on the pattern subscription")
		}
	}

	if _, err := store.Get(ctx, "missing-"+user); !apperrors.HasCode(err, apperrors.CodeJobNotFound) {
		t.Errorf("missing job err = %v", err)
	}
}
