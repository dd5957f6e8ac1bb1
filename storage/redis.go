package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/fedids/realtime/common"
	"github.com/go-redis/redis/v8"
)

// redisStore KeyValueStore backed by Redis string keys
type redisStore struct {
	common.Component
	client    *redis.Client
	keyPrefix string
}

// GetRedisStore define a KeyValueStore on a Redis server
//
// Keys are stored as "<keyPrefix>:<key>".
func GetRedisStore(
	ctxt context.Context, config common.RedisConfig, keyPrefix string,
) (KeyValueStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "redis-store", "instance": config.Addr,
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis server PING failed")
		_ = client.Close()
		return nil, err
	}
	return &redisStore{
		Component: common.Component{LogTags: logTags},
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

func (s *redisStore) fullKey(key string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, key)
}

// Get fetch the value of a key
func (s *redisStore) Get(ctxt context.Context, key string) (string, error) {
	value, err := s.client.Get(ctxt, s.fullKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return value, nil
}

// Set record a value for a key
func (s *redisStore) Set(ctxt context.Context, key string, value string) error {
	return s.client.Set(ctxt, s.fullKey(key), value, 0).Err()
}

// Delete remove a key
func (s *redisStore) Delete(ctxt context.Context, key string) error {
	return s.client.Del(ctxt, s.fullKey(key)).Err()
}

// Close close the Redis client
func (s *redisStore) Close() error {
	return s.client.Close()
}
