package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker tracks revoked tokens until expiry.
type TokenRevoker interface {
	Revoke(tokenID string, ttl time.Duration) error
	IsRevoked(tokenID string) (bool, error)
}

// UserTokenRevoker additionally revokes every token of a user issued up to a cutoff.
type UserTokenRevoker interface {
	TokenRevoker
	RevokeUser(userID string, cutoff time.Time, ttl time.Duration) error
	RevokedAfter(userID string) (time.Time, error)
}

// MemoryTokenRevoker keeps revocations in-memory (single instance only).
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]userCutoff
}

type userCutoff struct {
	at      time.Time
	expires time.Time
}

// NewMemoryTokenRevoker builds an in-memory revoker.
func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]userCutoff),
	}
}

// Revoke marks a token as revoked until its expiry.
func (r *MemoryTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	r.tokens[tokenID] = time.Now().Add(ttl)
	r.mu.Unlock()
	return nil
}

// IsRevoked checks if the token is revoked.
func (r *MemoryTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[tokenID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(r.tokens, tokenID)
		return false, nil
	}
	return true, nil
}

// RevokeUser records a cutoff; an older cutoff never replaces a newer one.
func (r *MemoryTokenRevoker) RevokeUser(userID string, cutoff time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff = cutoff.UTC()
	if cur, ok := r.cutoffs[userID]; ok && cur.at.After(cutoff) && time.Now().Before(cur.expires) {
		return nil
	}
	r.cutoffs[userID] = userCutoff{at: cutoff, expires: time.Now().Add(ttl)}
	return nil
}

// RevokedAfter returns the active cutoff for a user, or the zero time.
func (r *MemoryTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.cutoffs[userID]
	if !ok {
		return time.Time{}, nil
	}
	if time.Now().After(cur.expires) {
		delete(r.cutoffs, userID)
		return time.Time{}, nil
	}
	return cur.at, nil
}

// RedisTokenRevoker stores revocations in Redis with TTL.
type RedisTokenRevoker struct {
	client *redis.Client
}

var revokeUserScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// NewRedisTokenRevokerWithClient builds a revoker on a client owned by the caller.
func NewRedisTokenRevokerWithClient(client *redis.Client) *RedisTokenRevoker {
	return &RedisTokenRevoker{client: client}
}

// Revoke marks a token as revoked until expiry.
func (r *RedisTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, revocationKey(tokenID), "1", ttl).Err()
}

// IsRevoked checks if the token is revoked.
func (r *RedisTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := r.client.Exists(ctx, revocationKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// RevokeUser stores the cutoff as unix milliseconds, keeping the newest one.
func (r *RedisTokenRevoker) RevokeUser(userID string, cutoff time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return revokeUserScript.Run(ctx, r.client, []string{userRevocationKey(userID)}, cutoff.UTC().UnixMilli(), ttl.Milliseconds()).Err()
}

// RevokedAfter returns the active cutoff for a user, or the zero time.
func (r *RedisTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ms, err := r.client.Get(ctx, userRevocationKey(userID)).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func revocationKey(tokenID string) string {
	return "revoked:" + tokenID
}

func userRevocationKey(userID string) string {
	return "revoked_user:" + userID
}
