package circuit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"connector-orchestrator/internal/policy"
)

// Breaker keeps per (tenant, connector) breaker state in Redis. The open marker expires on
// its own; there is no half-open trial call.
type Breaker struct {
	client redis.Cmdable
}

func NewBreaker(client redis.Cmdable) *Breaker {
	return &Breaker{client: client}
}

func openKey(tenantID, connectorID string) string {
	return "cb:" + tenantID + ":" + connectorID + ":open"
}

func failuresKey(tenantID, connectorID string) string {
	return "cb:" + tenantID + ":" + connectorID + ":failures"
}

// IsOpen reports whether calls must be short-circuited. Store errors read as closed.
func (b *Breaker) IsOpen(ctx context.Context, tenantID, connectorID string, cfg policy.CircuitBreaker) (bool, error) {
	if !cfg.Enabled {
		return false, nil
	}
	n, err := b.client.Exists(ctx, openKey(tenantID, connectorID)).Result()
	if err != nil {
		return false, fmt.Errorf("circuit exists: %w", err)
	}
	return n > 0, nil
}

// Record scores one call outcome. Any success clears both the streak and the open marker.
// opened is true when this failure tripped the breaker.
func (b *Breaker) Record(ctx context.Context, tenantID, connectorID string, cfg policy.CircuitBreaker, success bool) (bool, error) {
	if !cfg.Enabled {
		return false, nil
	}
	open, failures := openKey(tenantID, connectorID), failuresKey(tenantID, connectorID)
	if success {
		if err := b.client.Del(ctx, open, failures).Err(); err != nil {
			return false, fmt.Errorf("circuit reset: %w", err)
		}
		return false, nil
	}
	opened, err := failureScript.Run(ctx, b.client, []string{failures, open},
		cfg.FailureThreshold, cfg.Window.Milliseconds(), cfg.Open.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("circuit failure script: %w", err)
	}
	return opened == 1, nil
}

var failureScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n >= tonumber(ARGV[1]) then
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
