package ai

import (
	"log"
	"time"

	"github.com/go-redis/redis"
)

// RedisCache backs CacheStore with Redis so extraction results survive
// process restarts and are shared across replicas. Failures degrade to a
// cache miss; the pipeline never depends on the cache being up.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(addr, password string, ttl time.Duration) (*RedisCache, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if _, err := client.Ping().Result(); err != nil {
		return nil, err
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: "extract:",
	}, nil
}

func (c *RedisCache) Get(key string) (string, bool) {
	value, err := c.client.Get(c.prefix + key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[ExtractCache] redis get failed: %v", err)
		}
		return "", false
	}
	return value, true
}

func (c *RedisCache) Set(key, value string) {
	if err := c.client.Set(c.prefix+key, value, c.ttl).Err(); err != nil {
		log.Printf("[ExtractCache] redis set failed: %v", err)
	}
}
