package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// RedisQ keeps the hot FIFO in a Redis list and delayed ids in a ZSET scored
// by their availableAt epoch. Pop promotes due delayed ids in score order
// before blocking on the list, so no separate mover process is needed.
// Promoted ids join the list behind the current hot entries, so ordering
// across delayed and fresh ids is approximate rather than strict
// oldest-availableAt-first.
type RedisQ struct {
	rdb  *r.Client
	name string
}

func NewRedis(rdb *r.Client, name string) *RedisQ { return &RedisQ{rdb: rdb, name: name} }

func (q *RedisQ) listKey() string  { return "queue:" + q.name }
func (q *RedisQ) delayKey() string { return "delay:" + q.name }

// Delay scores are epoch seconds with millisecond precision, so a promoted
// id is never visible before its availableAt.
func score(t time.Time) float64 { return float64(t.UnixMilli()) / 1000 }

func (q *RedisQ) Push(ctx context.Context, id string, availableAt time.Time) error {
	if time.Until(availableAt) > 0 {
		err := q.rdb.ZAdd(ctx, q.delayKey(), r.Z{Score: score(availableAt), Member: id}).Err()
		return errors.Wrap(err, "redis zadd")
	}
	return errors.Wrap(q.rdb.LPush(ctx, q.listKey(), id).Err(), "redis lpush")
}

func (q *RedisQ) Pop(ctx context.Context, wait time.Duration) (string, error) {
	if err := q.moveDue(ctx, time.Now(), 200); err != nil {
		return "", err
	}
	if wait < time.Second {
		// BRPOP timeouts are second-granular.
		wait = time.Second
	}
	res, err := q.rdb.BRPop(ctx, wait, q.listKey()).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "redis brpop")
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// moveDue promotes delayed ids whose availableAt has passed onto the hot list.
func (q *RedisQ) moveDue(ctx context.Context, now time.Time, batch int64) error {
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayKey(), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%.3f", score(now)), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return errors.Wrap(err, "redis zrangebyscore")
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.listKey(), id)
		pipe.ZRem(ctx, q.delayKey(), id)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "redis movedue pipeline")
}

func (q *RedisQ) Size(ctx context.Context) (int, error) {
	pending, err := q.rdb.LLen(ctx, q.listKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis llen")
	}
	delayed, err := q.rdb.ZCard(ctx, q.delayKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis zcard")
	}
	return int(pending + delayed), nil
}
