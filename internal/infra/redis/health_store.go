package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/scrapeguard/internal/core/domain"
)

const (
	defaultKeyPrefix = "scrapeguard"
	defaultMaxEvents = 1000
	defaultEventTTL  = 7 * 24 * time.Hour
)

// HealthStore implements storage.HealthRepository using Redis. Summaries live
// in one hash keyed by platform; raw events go to a capped list per platform.
type HealthStore struct {
	rdb       *redis.Client
	prefix    string
	maxEvents int64
	eventTTL  time.Duration
}

// NewHealthStore creates a new Redis-backed health store.
func NewHealthStore(client *Client, cfg Config) *HealthStore {
	s := &HealthStore{
		rdb:       client.rdb,
		prefix:    cfg.KeyPrefix,
		maxEvents: cfg.MaxEvents,
		eventTTL:  cfg.EventTTL,
	}
	if s.prefix == "" {
		s.prefix = defaultKeyPrefix
	}
	if s.maxEvents <= 0 {
		s.maxEvents = defaultMaxEvents
	}
	if s.eventTTL <= 0 {
		s.eventTTL = defaultEventTTL
	}
	return s
}

// Key helpers
func (s *HealthStore) summaryKey() string {
	return fmt.Sprintf("%s:health:summaries", s.prefix)
}

func (s *HealthStore) eventsKey(platform string) string {
	return fmt.Sprintf("%s:health:events:%s", s.prefix, platform)
}

// SaveEvent pushes ev onto the platform's list, trimming it to the cap.
func (s *HealthStore) SaveEvent(ctx context.Context, ev *domain.HealthEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal health event: %w", err)
	}

	key := s.eventsKey(ev.Platform)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.maxEvents-1)
		pipe.Expire(ctx, key, s.eventTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save health event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events of platform, newest first.
func (s *HealthStore) RecentEvents(ctx context.Context, platform string, limit int64) ([]domain.HealthEvent, error) {
	if limit <= 0 {
		limit = s.maxEvents
	}
	raw, err := s.rdb.LRange(ctx, s.eventsKey(platform), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read health events: %w", err)
	}

	events := make([]domain.HealthEvent, 0, len(raw))
	for _, item := range raw {
		var ev domain.HealthEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal health event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// SaveSummary upserts the summary of a platform.
func (s *HealthStore) SaveSummary(ctx context.Context, h *domain.PlatformHealth) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal platform health: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.summaryKey(), h.Platform, data).Err(); err != nil {
		return fmt.Errorf("failed to save platform health: %w", err)
	}
	return nil
}

// LoadSummaries returns every persisted summary, sorted by platform.
func (s *HealthStore) LoadSummaries(ctx context.Context) ([]*domain.PlatformHealth, error) {
	raw, err := s.rdb.HGetAll(ctx, s.summaryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load platform health: %w", err)
	}

	out := make([]*domain.PlatformHealth, 0, len(raw))
	for platform, item := range raw {
		var h domain.PlatformHealth
		if err := json.Unmarshal([]byte(item), &h); err != nil {
			return nil, fmt.Errorf("failed to unmarshal health of %s: %w", platform, err)
		}
		out = append(out, &h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}
