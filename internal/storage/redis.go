package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"pewpost/internal/dedup"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures the shared fingerprint store.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

// RedisFingerprints is a dedup.Store backed by Redis. Each fingerprint is a
// key that expires when it leaves the retention window, so PurgeBefore has
// nothing to do.
type RedisFingerprints struct {
	client *redis.Client
	prefix string
}

func NewRedisFingerprints(cfg RedisConfig) (*RedisFingerprints, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pewpost:fp:"
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 2 * time.Second
	}
	return &RedisFingerprints{
		client: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: dial,
			MaxRetries:  1,
		}),
		prefix: prefix,
	}, nil
}

func (r *RedisFingerprints) PutIfAbsent(ctx context.Context, fp dedup.Fingerprint, notBefore time.Time) (bool, error) {
	ttl := fp.FirstSeenAt.Sub(notBefore)
	if ttl <= 0 {
		ttl = time.Second
	}
	data, err := json.Marshal(fp)
	if err != nil {
		return false, err
	}
	return r.client.SetNX(ctx, r.prefix+fp.Hash, data, ttl).Result()
}

func (r *RedisFingerprints) Get(ctx context.Context, hash string) (dedup.Fingerprint, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return dedup.Fingerprint{}, false, nil
	}
	if err != nil {
		return dedup.Fingerprint{}, false, err
	}
	var fp dedup.Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return dedup.Fingerprint{}, false, err
	}
	return fp, true, nil
}

// releaseScript deletes the key only while it still holds the admitted value.
var releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`)

func (r *RedisFingerprints) Release(ctx context.Context, fp dedup.Fingerprint) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	return releaseScript.Run(ctx, r.client, []string{r.prefix + fp.Hash}, data).Err()
}

func (r *RedisFingerprints) PurgeBefore(context.Context, time.Time) (int, error) { return 0, nil }

func (r *RedisFingerprints) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisFingerprints) Close() error { return r.client.Close() }
