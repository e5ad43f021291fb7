package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"casegraph/internal/pipeline"
)

// RedisBackend keeps class queues as lists, the retry schedule as a sorted
// set scored by release time and dead letters as expiring string keys with
// sorted-set indexes scored by expiry.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend uses client; the caller owns its lifecycle.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: strings.Trim(prefix, ":")}
}

func (r *RedisBackend) key(parts ...string) string {
	if r.prefix != "" {
		parts = append([]string{r.prefix}, parts...)
	}
	return strings.Join(parts, ":")
}

func (r *RedisBackend) queueKey(queue string) string { return r.key(queue) }
func (r *RedisBackend) retryKey() string             { return r.key("retry") }
func (r *RedisBackend) dlqKey(k Key) string          { return r.key("dlq", k.String()) }
func (r *RedisBackend) dlqExpiryKey() string         { return r.key("dlq", "expires") }
func (r *RedisBackend) dlqIndexKey(class string) string {
	return r.key("dlq", "index", class)
}

// Enqueue pushes onto the head of the list; Dequeue pops from the tail.
func (r *RedisBackend) Enqueue(ctx context.Context, queue string, payload []byte) (int64, error) {
	return r.client.LPush(ctx, r.queueKey(queue), payload).Result()
}

func (r *RedisBackend) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := r.client.BRPop(ctx, timeout, r.queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply with %d elements", len(res))
	}
	return []byte(res[1]), nil
}

func (r *RedisBackend) Depth(ctx context.Context, queue string) (int64, error) {
	return r.client.LLen(ctx, r.queueKey(queue)).Result()
}

// Schedule members are "<queue>\n<job>/<artifact>\n<payload>". JSON payloads
// never contain a raw newline.
func (r *RedisBackend) Schedule(ctx context.Context, entry ScheduledEntry) error {
	return r.client.ZAdd(ctx, r.retryKey(), redis.Z{
		Score:  float64(entry.ReleaseAt.UnixMilli()),
		Member: encodeScheduleMember(entry),
	}).Err()
}

// ClaimDue removes due members one at a time. Only the caller whose ZREM
// removed a member receives it, so concurrent sweepers never release the
// same entry twice.
func (r *RedisBackend) ClaimDue(ctx context.Context, now time.Time, limit int) ([]ScheduledEntry, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	due, err := r.client.ZRangeByScoreWithScores(ctx, r.retryKey(), opt).Result()
	if err != nil {
		return nil, err
	}
	claimed := make([]ScheduledEntry, 0, len(due))
	for _, z := range due {
		member, _ := z.Member.(string)
		removed, err := r.client.ZRem(ctx, r.retryKey(), member).Result()
		if err != nil {
			return claimed, err
		}
		if removed == 0 {
			continue
		}
		entry, err := decodeScheduleMember(member, z.Score)
		if err != nil {
			continue
		}
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

func (r *RedisBackend) Scheduled(ctx context.Context) ([]ScheduledEntry, error) {
	all, err := r.client.ZRangeWithScores(ctx, r.retryKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ScheduledEntry, 0, len(all))
	for _, z := range all {
		member, _ := z.Member.(string)
		entry, err := decodeScheduleMember(member, z.Score)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (r *RedisBackend) CancelScheduled(ctx context.Context, key Key) (int, error) {
	members, err := r.client.ZRange(ctx, r.retryKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, member := range members {
		_, rest, _ := strings.Cut(member, "\n")
		keyPart, _, _ := strings.Cut(rest, "\n")
		if keyPart != key.String() {
			continue
		}
		n, err := r.client.ZRem(ctx, r.retryKey(), member).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}

func encodeScheduleMember(entry ScheduledEntry) string {
	return entry.Queue + "\n" + entry.Key.String() + "\n" + string(entry.Payload)
}

func decodeScheduleMember(member string, score float64) (ScheduledEntry, error) {
	parts := strings.SplitN(member, "\n", 3)
	if len(parts) != 3 {
		return ScheduledEntry{}, fmt.Errorf("malformed retry entry")
	}
	key, err := ParseKey(parts[1])
	if err != nil {
		return ScheduledEntry{}, err
	}
	return ScheduledEntry{
		Queue:     parts[0],
		Key:       key,
		Payload:   []byte(parts[2]),
		ReleaseAt: time.UnixMilli(int64(score)).UTC(),
	}, nil
}

func (r *RedisBackend) PutDeadLetter(ctx context.Context, entry DeadLetterEntry) error {
	member := entry.Key.String()
	score := float64(entry.ExpiresAt.UnixMilli())
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.dlqKey(entry.Key), entry.Record, entry.Retention)
		pipe.ZAdd(ctx, r.dlqExpiryKey(), redis.Z{Score: score, Member: member})
		for _, c := range pipeline.AllClasses {
			if string(c) != entry.Class {
				pipe.ZRem(ctx, r.dlqIndexKey(string(c)), member)
			}
		}
		pipe.ZAdd(ctx, r.dlqIndexKey(entry.Class), redis.Z{Score: score, Member: member})
		return nil
	})
	return err
}

func (r *RedisBackend) GetDeadLetter(ctx context.Context, key Key, now time.Time) ([]byte, error) {
	expires, err := r.client.ZScore(ctx, r.dlqExpiryKey(), key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if int64(expires) <= now.UnixMilli() {
		return nil, nil
	}
	data, err := r.client.Get(ctx, r.dlqKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (r *RedisBackend) ListDeadLetters(ctx context.Context, class string, now time.Time) ([][]byte, error) {
	index := r.dlqIndexKey(class)
	members, err := r.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(members))
	for _, member := range members {
		key, err := ParseKey(member)
		if err != nil {
			continue
		}
		data, err := r.client.Get(ctx, r.dlqKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			// record expired by TTL before the index caught up
			_ = r.client.ZRem(ctx, index, member).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (r *RedisBackend) DeleteDeadLetter(ctx context.Context, key Key, class string) (bool, error) {
	member := key.String()
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.dlqKey(key))
		pipe.ZRem(ctx, r.dlqExpiryKey(), member)
		if class != "" {
			pipe.ZRem(ctx, r.dlqIndexKey(class), member)
			return nil
		}
		for _, c := range pipeline.AllClasses {
			pipe.ZRem(ctx, r.dlqIndexKey(string(c)), member)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func (r *RedisBackend) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := r.client.ZRangeByScore(ctx, r.dlqExpiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, member := range expired {
		key, err := ParseKey(member)
		if err != nil {
			_ = r.client.ZRem(ctx, r.dlqExpiryKey(), member).Err()
			continue
		}
		if _, err := r.DeleteDeadLetter(ctx, key, ""); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error { return nil }
