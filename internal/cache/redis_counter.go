package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

// MinCounterRetention keeps a day's key alive well past the end of that day
// in any timezone. A shorter retention is raised to this.
const MinCounterRetention = 48 * time.Hour

// Each day is one hash with fields count, inflight and limit. The scripts keep
// every check-and-update in a single server-side step.
var (
	ensureDayScript = redis.NewScript(`
		local created = redis.call('HSETNX', KEYS[1], 'count', 0)
		redis.call('HSET', KEYS[1], 'limit', ARGV[1])
		if created == 1 then
			redis.call('HSET', KEYS[1], 'inflight', 0)
			redis.call('EXPIRE', KEYS[1], ARGV[2])
		end
		return redis.call('HMGET', KEYS[1], 'count', 'inflight', 'limit')
	`)

	reserveScript = redis.NewScript(`
		local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
		local limit = tonumber(redis.call('HGET', KEYS[1], 'limit'))
		local inflight = tonumber(redis.call('HGET', KEYS[1], 'inflight')) or 0
		if count == nil or limit == nil or count + inflight >= limit then
			return 0
		end
		redis.call('HINCRBY', KEYS[1], 'inflight', 1)
		return 1
	`)

	commitScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		redis.call('HINCRBY', KEYS[1], 'count', 1)
		if (tonumber(redis.call('HGET', KEYS[1], 'inflight')) or 0) > 0 then
			redis.call('HINCRBY', KEYS[1], 'inflight', -1)
		end
		return 1
	`)

	releaseScript = redis.NewScript(`
		if (tonumber(redis.call('HGET', KEYS[1], 'inflight')) or 0) > 0 then
			redis.call('HINCRBY', KEYS[1], 'inflight', -1)
			return 1
		end
		return 0
	`)
)

// RedisCounter is a CounterRepository for deployments that share one Redis
// between dispatcher instances but not a SQL database.
type RedisCounter struct {
	rdb       *redis.Client
	retention time.Duration
}

var _ repo.CounterRepository = (*RedisCounter)(nil)

func NewRedisCounter(rdb *redis.Client, retention time.Duration) *RedisCounter {
	if retention < MinCounterRetention {
		retention = MinCounterRetention
	}
	return &RedisCounter{rdb: rdb, retention: retention}
}

func counterKey(day string) string {
	return "dispatch:counter:" + day
}

func (c *RedisCounter) EnsureDay(ctx context.Context, day string, limit int) (model.DailyCounter, error) {
	res, err := ensureDayScript.Run(ctx, c.rdb, []string{counterKey(day)}, limit, int64(c.retention/time.Second)).Slice()
	if err != nil {
		return model.DailyCounter{}, fmt.Errorf("ensure counter %s: %w", day, err)
	}
	out, ok, err := parseCounter(day, res)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, fmt.Errorf("counter %s missing after ensure", day)
	}
	return out, nil
}

func (c *RedisCounter) GetDay(ctx context.Context, day string) (model.DailyCounter, bool, error) {
	res, err := c.rdb.HMGet(ctx, counterKey(day), "count", "inflight", "limit").Result()
	if err != nil {
		return model.DailyCounter{Date: day}, false, fmt.Errorf("get counter %s: %w", day, err)
	}
	return parseCounter(day, res)
}

func (c *RedisCounter) TryReserve(ctx context.Context, day string) (bool, error) {
	n, err := reserveScript.Run(ctx, c.rdb, []string{counterKey(day)}).Int()
	if err != nil {
		return false, fmt.Errorf("reserve slot %s: %w", day, err)
	}
	return n == 1, nil
}

func (c *RedisCounter) Commit(ctx context.Context, day string) error {
	if err := commitScript.Run(ctx, c.rdb, []string{counterKey(day)}).Err(); err != nil {
		return fmt.Errorf("commit slot %s: %w", day, err)
	}
	return nil
}

func (c *RedisCounter) Release(ctx context.Context, day string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{counterKey(day)}).Err(); err != nil {
		return fmt.Errorf("release slot %s: %w", day, err)
	}
	return nil
}

func parseCounter(day string, vals []any) (model.DailyCounter, bool, error) {
	out := model.DailyCounter{Date: day}
	if len(vals) != 3 || vals[0] == nil || vals[2] == nil {
		return out, false, nil
	}

	count, err := toInt(vals[0])
	if err != nil {
		return out, false, fmt.Errorf("counter %s count: %w", day, err)
	}
	inFlight := 0
	if vals[1] != nil {
		if inFlight, err = toInt(vals[1]); err != nil {
			return out, false, fmt.Errorf("counter %s inflight: %w", day, err)
		}
	}
	limit, err := toInt(vals[2])
	if err != nil {
		return out, false, fmt.Errorf("counter %s limit: %w", day, err)
	}
	out.Count, out.InFlight, out.Limit = count, inFlight, limit
	return out, true, nil
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case string:
		return strconv.Atoi(x)
	case int64:
		return int(x), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
