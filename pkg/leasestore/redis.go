package leasestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pixperk/fencelock/pkg/types"
	"github.com/redis/go-redis/v9"
)

// commit result codes
const (
	redisVersionConflict = -1
	redisFenceRegression = -2
)

// KEYS[1] record hash, KEYS[2] lease key
// ARGV[1] expected version, ARGV[2] owner, ARGV[3] fencing token, ARGV[4] ttl in ms
var commitScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
if current ~= tonumber(ARGV[1]) then
    return -1
end
local fence = tonumber(redis.call("HGET", KEYS[1], "fence") or "0")
if tonumber(ARGV[3]) < fence then
    return -2
end
redis.call("HSET", KEYS[1], "owner", ARGV[2], "fence", ARGV[3], "version", current + 1, "ttl_ms", ARGV[4])
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[4])
return current + 1
`)

var deleteLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis is a Backend keeping the lock record in a hash and the lease in a plain
// key whose PX expiry is the lease TTL. Commits run as a single Lua script.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a Redis backend. Keys are namespaced under prefix, which
// defaults to "fencelock".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "fencelock"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) recordKey(name string) string {
	return r.prefix + ":{" + name + "}:record"
}

func (r *Redis) leaseKey(name string) string {
	return r.prefix + ":{" + name + "}:lease"
}

func (r *Redis) Load(ctx context.Context, name string) (types.Snapshot, error) {
	pipe := r.client.TxPipeline()
	recCmd := pipe.HGetAll(ctx, r.recordKey(name))
	leaseCmd := pipe.Get(ctx, r.leaseKey(name))
	pttlCmd := pipe.PTTL(ctx, r.leaseKey(name))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return types.Snapshot{}, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}

	var snap types.Snapshot
	fields := recCmd.Val()
	if len(fields) > 0 {
		rec, err := parseRedisRecord(name, fields)
		if err != nil {
			return types.Snapshot{}, err
		}
		snap.Record = rec
	}

	owner, err := leaseCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return types.Snapshot{}, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	if owner != "" {
		ttlMs, _ := strconv.ParseInt(fields["ttl_ms"], 10, 64)
		ttl := time.Duration(ttlMs) * time.Millisecond
		remaining := pttlCmd.Val()
		if remaining < 0 {
			remaining = 0
		}
		snap.Lease = &types.Lease{
			OwnerID:   owner,
			TTL:       ttl,
			WrittenAt: time.Now().Add(remaining - ttl),
		}
	}

	return snap, nil
}

func parseRedisRecord(name string, fields map[string]string) (*types.LockRecord, error) {
	fence, err := strconv.ParseUint(fields["fence"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse fence of %q: %w", name, err)
	}
	version, err := strconv.ParseUint(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse version of %q: %w", name, err)
	}
	return &types.LockRecord{
		Name:         name,
		CurrentOwner: fields["owner"],
		FenceToken:   fence,
		Version:      version,
	}, nil
}

func (r *Redis) Commit(ctx context.Context, cmd types.CommitCmd) error {
	if cmd.TTL < time.Millisecond {
		return types.ErrInvalidLeaseTTL
	}

	keys := []string{r.recordKey(cmd.Name), r.leaseKey(cmd.Name)}
	res, err := commitScript.Run(ctx, r.client, keys,
		cmd.ExpectVersion, cmd.OwnerID, cmd.FenceToken, cmd.TTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}

	switch res {
	case redisVersionConflict:
		return types.ErrVersionConflict
	case redisFenceRegression:
		return types.ErrFenceRegression
	default:
		return nil
	}
}

func (r *Redis) DeleteLease(ctx context.Context, name, ownerID string) (bool, error) {
	res, err := deleteLeaseScript.Run(ctx, r.client, []string{r.leaseKey(name)}, ownerID).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	return res == 1, nil
}
