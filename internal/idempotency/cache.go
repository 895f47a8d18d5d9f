package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"connector-orchestrator/internal/models"
)

// ErrConflict means the key was already used for a different request body.
var ErrConflict = errors.New("idempotency key reused with a different request")

// HashRequest returns the sha256 hex digest of v's canonical JSON form.
// Maps are encoded with sorted keys, so field order in the client body does not matter.
func HashRequest(v any) (string, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize round-trips structs through JSON so every value hashes as plain maps.
func canonicalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}

// Backend stores idempotency records with insert-if-absent semantics.
type Backend interface {
	LookupIdempotency(ctx context.Context, tenantID, key string) (*models.IdempotencyRecord, error)
	InsertIdempotency(ctx context.Context, rec models.IdempotencyRecord) (bool, error)
}

// Cache implements lookup and race-safe commit over a Backend.
type Cache struct {
	backend Backend
}

func NewCache(b Backend) *Cache {
	return &Cache{backend: b}
}

// Lookup returns the cached response for (tenant, key). A stored record with a different
// hash yields ErrConflict.
func (c *Cache) Lookup(ctx context.Context, tenantID, key, hash string) (json.RawMessage, bool, error) {
	rec, err := c.backend.LookupIdempotency(ctx, tenantID, key)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	if rec.RequestHash != hash {
		return nil, false, ErrConflict
	}
	return rec.Response, true, nil
}

// Commit stores response unless another request won the key first. In that case the
// winner's response is returned when the hashes match.
func (c *Cache) Commit(ctx context.Context, tenantID, key, hash string, response json.RawMessage) (json.RawMessage, error) {
	inserted, err := c.backend.InsertIdempotency(ctx, models.IdempotencyRecord{
		TenantID:    tenantID,
		Key:         key,
		RequestHash: hash,
		Response:    response,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if inserted {
		return response, nil
	}
	winner, found, err := c.Lookup(ctx, tenantID, key, hash)
	if err != nil {
		return nil, err
	}
	if !found {
		// The winner expired between our insert and lookup.
		return response, nil
	}
	return winner, nil
}

// RedisBackend keeps records as JSON strings under SET NX PX.
type RedisBackend struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisBackend(client redis.Cmdable, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, ttl: ttl}
}

func redisKey(tenantID, key string) string {
	return "idem:" + tenantID + ":" + key
}

func (b *RedisBackend) LookupIdempotency(ctx context.Context, tenantID, key string) (*models.IdempotencyRecord, error) {
	raw, err := b.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	var rec models.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency decode: %w", err)
	}
	return &rec, nil
}

func (b *RedisBackend) InsertIdempotency(ctx context.Context, rec models.IdempotencyRecord) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("idempotency encode: %w", err)
	}
	ok, err := b.client.SetNX(ctx, redisKey(rec.TenantID, rec.Key), raw, b.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx: %w", err)
	}
	return ok, nil
}
