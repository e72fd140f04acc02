package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/seal"
)

const redisPrefix = "authflow:credential:"

// Redis stores credentials in Redis so several processes can share one
// login. A credential without a refresh token expires with its access
// token.
type Redis struct {
	client *redis.Client
	codec  codec
	now    func() time.Time
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// NewRedis creates a Redis-backed store for profile.
func NewRedis(client *redis.Client, profile string, sealer *seal.Sealer) *Redis {
	return &Redis{
		client: client,
		codec:  newCodec(profile, sealer),
		now:    time.Now,
	}
}

// SetNow overrides the time function (for testing).
func (r *Redis) SetNow(fn func() time.Time) {
	r.now = fn
}

func (r *Redis) key() string {
	return redisPrefix + r.codec.profile
}

// Save stores tok. A credential that can neither be used nor refreshed is
// deleted instead.
func (r *Redis) Save(ctx context.Context, tok domain.TokenResult) error {
	var ttl time.Duration
	if tok.RefreshToken == "" && !tok.Expiry.IsZero() {
		ttl = tok.Expiry.Sub(r.now())
		if ttl <= 0 {
			return r.client.Del(ctx, r.key()).Err()
		}
	}

	data, err := r.codec.encode(tok)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(), data, ttl).Err()
}

// Load fetches the stored credential.
func (r *Redis) Load(ctx context.Context) (*domain.TokenResult, error) {
	data, err := r.client.Get(ctx, r.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return r.codec.decode(data)
}

// Clear deletes the stored credential.
func (r *Redis) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key()).Err()
}
