package lock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix  = "relayer-lock:"
	fenceKeyPrefix = "relayer-fence:"
)

// Acquire is conditional on no lock key existing; the fencing counter is only
// advanced when the acquisition succeeds, keeping the stored token sequence
// strictly increasing. Redis expires the lock key itself, so an expired lease
// is indistinguishable from a free relayer here.
var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local fence = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], fence .. ':' .. ARGV[2], 'PX', ARGV[1])
return fence
`)

var renewScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	return 0
end
local fence = string.match(v, '^(%d+):')
if fence == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	return 1
end
local fence = string.match(v, '^(%d+):')
if fence == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// RedisBackend is the distributed lease store for multi-instance deployments.
// Entries are written with SET NX semantics (inside a script, together with
// the fencing counter) and expire server-side via PX.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing Redis client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func lockKey(key common.Address) string  { return lockKeyPrefix + key.Hex() }
func fenceKey(key common.Address) string { return fenceKeyPrefix + key.Hex() }

func (b *RedisBackend) TryAcquire(ctx context.Context, key common.Address, holder string, ttl time.Duration) (uint64, bool, error) {
	res, err := acquireScript.Run(ctx, b.client,
		[]string{lockKey(key), fenceKey(key)},
		ttl.Milliseconds(), holder,
	).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("redis acquire: %w", err)
	}
	if res == 0 {
		return 0, false, ErrBusy
	}
	return uint64(res), false, nil
}

func (b *RedisBackend) Renew(ctx context.Context, key common.Address, fencing uint64, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, b.client,
		[]string{lockKey(key)},
		strconv.FormatUint(fencing, 10), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis renew: %w", err)
	}
	if res == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (b *RedisBackend) Release(ctx context.Context, key common.Address, fencing uint64) error {
	res, err := releaseScript.Run(ctx, b.client,
		[]string{lockKey(key)},
		strconv.FormatUint(fencing, 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if res == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (b *RedisBackend) Locked(ctx context.Context) ([]common.Address, error) {
	var (
		keys   []common.Address
		cursor uint64
	)
	for {
		batch, next, err := b.client.Scan(ctx, cursor, lockKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range batch {
			hex := strings.TrimPrefix(k, lockKeyPrefix)
			if !common.IsHexAddress(hex) {
				continue
			}
			keys = append(keys, common.HexToAddress(hex))
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
