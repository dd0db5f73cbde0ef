package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "sos:lock:"

// tryLockLua inserts the holder only when the key is absent and always
// returns the resulting holder, so the check and the insert are one step.
var tryLockLua = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
  return {0, current}
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return {1, ARGV[1]}
`)

var releaseHeldLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLedger shares bindings between dispatcher processes.
type RedisLedger struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisLedger constructs the ledger. A zero ttl keeps entries until release;
// a positive ttl only guards against entries orphaned by crashed processes.
func NewRedisLedger(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLedger{client: client, keyPrefix: prefix, ttl: ttl}
}

func (r *RedisLedger) TryLock(ctx context.Context, requestID, driverID uuid.UUID) (LockResult, error) {
	res, err := tryLockLua.Run(ctx, r.client, []string{r.key(requestID)}, driverID.String(), r.ttl.Milliseconds()).Result()
	if err != nil {
		return LockResult{}, fmt.Errorf("redis trylock: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return LockResult{}, errors.New("redis trylock: unexpected reply")
	}
	granted, _ := values[0].(int64)
	raw, _ := values[1].(string)
	holder, err := uuid.Parse(raw)
	if err != nil {
		return LockResult{}, fmt.Errorf("redis trylock: corrupt holder %q: %w", raw, err)
	}
	return LockResult{Granted: granted == 1, HeldBy: holder}, nil
}

func (r *RedisLedger) Release(ctx context.Context, requestID uuid.UUID) (bool, error) {
	n, err := r.client.Del(ctx, r.key(requestID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

func (r *RedisLedger) ReleaseHeld(ctx context.Context, requestID, driverID uuid.UUID) (bool, error) {
	n, err := releaseHeldLua.Run(ctx, r.client, []string{r.key(requestID)}, driverID.String()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release held: %w", err)
	}
	return n > 0, nil
}

func (r *RedisLedger) IsLocked(ctx context.Context, requestID uuid.UUID) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(requestID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *RedisLedger) Holder(ctx context.Context, requestID uuid.UUID) (uuid.UUID, bool, error) {
	raw, err := r.client.Get(ctx, r.key(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis get: %w", err)
	}
	holder, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redis holder: corrupt value %q: %w", raw, err)
	}
	return holder, true, nil
}

func (r *RedisLedger) key(requestID uuid.UUID) string { return r.keyPrefix + requestID.String() }
