package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "saga:instance:"

// Lua script implementing the versioned write: the key is only overwritten
// when the stored record's version matches the expected one, so concurrent
// coordinators cannot both advance the same instance.
const redisSaveScript = `
local cur = redis.call("GET", KEYS[1])
if not cur then
  if tonumber(ARGV[2]) == 0 then
    redis.call("SET", KEYS[1], ARGV[1])
    redis.call("SADD", KEYS[2], ARGV[3])
    return 1
  end
  return 0
end
local decoded = cjson.decode(cur)
if tonumber(decoded.version) == tonumber(ARGV[2]) then
  redis.call("SET", KEYS[1], ARGV[1])
  return 1
end
return 0
`

// RedisStore implements StateStore on Redis. Records are JSON values under
// a key per instance, with a set of known ids for listing. Writes go through
// a compare-and-set Lua script keyed on the record version.
type RedisStore struct {
	client *redis.Client
	prefix string
	save   *redis.Script
}

// NewRedisStore creates a Redis-backed store. An empty prefix uses
// "saga:instance:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		save:   redis.NewScript(redisSaveScript),
	}
}

// Save persists the instance via the compare-and-set script.
func (r *RedisStore) Save(ctx context.Context, inst *Instance) error {
	expected := inst.Version
	inst.Version++
	data, err := json.Marshal(inst)
	if err != nil {
		inst.Version--
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	ok, err := r.save.Run(ctx, r.client,
		[]string{r.key(inst.ID), r.indexKey()},
		string(data), expected, inst.ID.String(),
	).Int()
	if err != nil {
		inst.Version--
		return fmt.Errorf("redis save failed: %w", err)
	}
	if ok != 1 {
		inst.Version--
		return fmt.Errorf("%w: instance %s save version %d", ErrVersionConflict, inst.ID, expected)
	}
	return nil
}

// Load retrieves the instance record.
func (r *RedisStore) Load(ctx context.Context, id SagaID) (*Instance, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("redis load failed: %w", err)
	}

	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return &inst, nil
}

// List walks the id index and returns instances matching the state filter.
func (r *RedisStore) List(ctx context.Context, state State) ([]*Instance, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list failed: %w", err)
	}

	var out []*Instance
	for _, raw := range ids {
		id, err := ParseSagaID(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt id in index: %w", err)
		}
		inst, err := r.Load(ctx, id)
		if err != nil {
			// Record deleted after the index read; skip it.
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			}
			return nil, err
		}
		if state == "" || inst.State == state {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Delete removes the instance record and its index entry.
func (r *RedisStore) Delete(ctx context.Context, id SagaID) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(id))
	pipe.SRem(ctx, r.indexKey(), id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (r *RedisStore) key(id SagaID) string {
	return r.prefix + id.String()
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "ids"
}
