// Package draftstore provides Redis-backed storage for in-flight
// annotation drafts, keyed by job and working stage.
package draftstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"veil/api/internal/annotation"
)

// Stages distinguish the annotator draft from the QA review draft for
// the same job.
const (
	StageAnnotate = "annotate"
	StageReview   = "review"
)

// Entry wraps a draft with bookkeeping about who saved it and when.
type Entry struct {
	Draft   annotation.Draft `json:"draft"`
	SavedBy string           `json:"saved_by"`
	SavedAt time.Time        `json:"saved_at"`
}

// Store persists drafts in Redis with a rolling TTL.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStore creates a Redis-backed draft store from a connection URL.
func NewStore(redisURL string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client, ttl), nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &Store{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
	}
}

func (s *Store) key(jobID, stage string) string {
	return s.prefix + jobID + ":" + stage
}

// Save stores a draft, replacing any previous draft for the same job
// and stage and resetting the TTL.
func (s *Store) Save(ctx context.Context, jobID, stage, userID string, draft annotation.Draft) error {
	entry := Entry{
		Draft:   draft,
		SavedBy: userID,
		SavedAt: time.Now().UTC(),
	}

	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}

	if err := s.client.Set(ctx, s.key(jobID, stage), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Load retrieves a draft. The second return value reports whether a
// draft exists for the job and stage.
func (s *Store) Load(ctx context.Context, jobID, stage string) (Entry, bool, error) {
	blob, err := s.client.Get(ctx, s.key(jobID, stage)).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load draft: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(blob), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal draft: %w", err)
	}
	if err := entry.Draft.Validate(); err != nil {
		return Entry{}, false, fmt.Errorf("stored draft invalid: %w", err)
	}
	return entry, true, nil
}

// Discard deletes a draft after submission or rejection delivery.
func (s *Store) Discard(ctx context.Context, jobID, stage string) error {
	if err := s.client.Del(ctx, s.key(jobID, stage)).Err(); err != nil {
		return fmt.Errorf("discard draft: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
