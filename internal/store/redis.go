package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/mserban/vatra/config"
)

const redisKeyPrefix = "vatra:session:"

// RedisStore keeps each session as a JSON string value.
type RedisStore struct {
	client *redis.Client
	logger *log.Logger
}

func NewRedisStore(cfg config.RedisConfig, logger *log.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{client: client, logger: logger}, nil
}

func (r *RedisStore) Create(ctx context.Context) (*Session, error) {
	sess := NewSession()
	if err := r.Put(ctx, sess.ID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", id, err)
	}
	return &sess, nil
}

func (r *RedisStore) List(ctx context.Context) ([]*Session, error) {
	var out []*Session
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(redisKeyPrefix):]
		sess, err := r.Get(ctx, id)
		if err != nil {
			r.logger.Printf("skipping unreadable session %s: %v", id, err)
			continue
		}
		if sess.Empty() {
			continue
		}
		out = append(out, sess)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}
	return out, nil
}

func (r *RedisStore) Put(ctx context.Context, id string, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", id, err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+id, data, 0).Err(); err != nil {
		return fmt.Errorf("writing session %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *RedisStore) Cleanup(ctx context.Context) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(redisKeyPrefix):]
		sess, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if !sess.Empty() {
			continue
		}
		if err := r.Delete(ctx, id); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scanning sessions: %w", err)
	}
	if removed > 0 {
		r.logger.Printf("cleanup removed %d empty sessions", removed)
	}
	return removed, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
