package storage

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisKV is a Redis-backed KV implementation.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV creates a KV backed by the given Redis client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// Get returns the value for key, or ErrNotFound.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, WrapNotFoundError("Get", key)
		}
		return nil, WrapUnavailableError("Get", err)
	}
	return v, nil
}

// Put stores value under key.
func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return WrapUnavailableError("Put", err)
	}
	return nil
}

// ScanPrefix returns all pairs under prefix using cursor iteration.
func (r *RedisKV) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		v, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // deleted between SCAN and GET
			}
			return nil, WrapUnavailableError("ScanPrefix", err)
		}
		out[key] = v
	}
	if err := iter.Err(); err != nil {
		return nil, WrapUnavailableError("ScanPrefix", err)
	}
	return out, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return WrapUnavailableError("Delete", err)
	}
	return nil
}
