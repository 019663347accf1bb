package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"quizmaster/internal/models"
)

const leaderboardKeyPrefix = "leaderboard:xp:top:"

// Leaderboard caches the computed experience leaderboard in Redis.
type Leaderboard struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewLeaderboard(client *redis.Client, ttl time.Duration) *Leaderboard {
	return &Leaderboard{redis: client, ttl: ttl}
}

func leaderboardKey(limit int) string {
	return leaderboardKeyPrefix + strconv.Itoa(limit)
}

// Get returns the cached leaderboard; ok is false on a cache miss.
func (l *Leaderboard) Get(ctx context.Context, limit int) ([]models.LeaderboardEntry, bool, error) {
	val, err := l.redis.Get(ctx, leaderboardKey(limit)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	var entries []models.LeaderboardEntry
	if err := json.Unmarshal([]byte(val), &entries); err != nil {
		return nil, false, err
	}
	return entries, true, nil
}

func (l *Leaderboard) Set(ctx context.Context, limit int, entries []models.LeaderboardEntry) error {
	jsonData, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return l.redis.Set(ctx, leaderboardKey(limit), jsonData, l.ttl).Err()
}

// Invalidate drops every cached leaderboard size.
func (l *Leaderboard) Invalidate(ctx context.Context) error {
	keys, err := l.redis.Keys(ctx, leaderboardKeyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return l.redis.Del(ctx, keys...).Err()
}
