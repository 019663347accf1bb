package verification

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	otpKeyPrefix  = "otp:"
	sentKeyPrefix = "otp:sent:"
)

// RedisStore keeps codes in Redis hashes that expire with the code, so
// pending codes survive restarts and no sweep is needed.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func (r *RedisStore) Save(ctx context.Context, email string, e Entry) error {
	key := otpKeyPrefix + email
	if err := r.redis.HSet(ctx, key,
		"code", e.Code,
		"expires_at", e.ExpiresAt.Unix(),
		"attempts", e.Attempts,
	).Err(); err != nil {
		return err
	}
	return r.redis.ExpireAt(ctx, key, e.ExpiresAt).Err()
}

func (r *RedisStore) Load(ctx context.Context, email string) (Entry, error) {
	vals, err := r.redis.HGetAll(ctx, otpKeyPrefix+email).Result()
	if err != nil {
		return Entry{}, err
	}
	if len(vals) == 0 {
		return Entry{}, ErrOTPNotFound
	}
	expires, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	if err != nil {
		return Entry{}, err
	}
	attempts, err := strconv.Atoi(vals["attempts"])
	if err != nil {
		return Entry{}, err
	}
	return Entry{Code: vals["code"], ExpiresAt: time.Unix(expires, 0), Attempts: attempts}, nil
}

func (r *RedisStore) IncrementAttempts(ctx context.Context, email string) (int, error) {
	n, err := r.redis.HIncrBy(ctx, otpKeyPrefix+email, "attempts", 1).Result()
	return int(n), err
}

func (r *RedisStore) Remove(ctx context.Context, email string) error {
	return r.redis.Del(ctx, otpKeyPrefix+email).Err()
}

func (r *RedisStore) LastSent(ctx context.Context, email string) (time.Time, bool, error) {
	val, err := r.redis.Get(ctx, sentKeyPrefix+email).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, err
	}
	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(sec, 0), true, nil
}

func (r *RedisStore) MarkSent(ctx context.Context, email string, at time.Time, cooldown time.Duration) error {
	return r.redis.Set(ctx, sentKeyPrefix+email, at.Unix(), cooldown).Err()
}
