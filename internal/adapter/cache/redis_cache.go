package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kstore/order-api/internal/usecase"
)

// RedisCache keeps order:status:<id> as a hash {user_id, status} so reads can be
// owner-checked without touching MySQL.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func statusKey(orderID int64) string {
	return "order:status:" + strconv.FormatInt(orderID, 10)
}

func (r *RedisCache) SetStatus(ctx context.Context, orderID, userID int64, status string) error {
	key := statusKey(orderID)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "user_id", userID, "status", status)
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	return err
}

// FillStatus caches a status read from MySQL unless an entry already exists.
// A concurrent SetStatus wins: the WATCH aborts the write if the key changes.
func (r *RedisCache) FillStatus(ctx context.Context, orderID, userID int64, status string) error {
	key := statusKey(orderID)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "user_id", userID, "status", status)
			if r.ttl > 0 {
				p.Expire(ctx, key, r.ttl)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (r *RedisCache) GetStatus(ctx context.Context, orderID int64) (int64, string, bool, error) {
	vals, err := r.rdb.HMGet(ctx, statusKey(orderID), "user_id", "status").Result()
	if err != nil {
		return 0, "", false, err
	}
	owner, _ := vals[0].(string)
	status, _ := vals[1].(string)
	if owner == "" || status == "" {
		return 0, "", false, nil
	}
	uid, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		return 0, "", false, nil
	}
	return uid, status, true, nil
}

var _ usecase.OrderCache = (*RedisCache)(nil)
