package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"feedrelay/internal/feed"
	logx "feedrelay/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "feedrelay:"

// Keys:
//
//	{prefix}rec:{id}       hash seen_at (unix nanos), value
//	{prefix}health:{id}    hash frozen, sent, error_count, version, updated_at
//	{prefix}jobs           hash job id -> JSON RelayJob
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

// upsertScript keeps seen_at monotonic: older writes are dropped.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seen_at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'seen_at', ARGV[1], 'value', ARGV[2])
return 1
`)

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, errors.New("storage.redis_url is required for redis driver")
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisStore(client, cfg.KeyPrefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) recKey(id string) string    { return s.prefix + "rec:" + id }
func (s *redisStore) healthKey(id string) string { return s.prefix + "health:" + id }
func (s *redisStore) jobsKey() string            { return s.prefix + "jobs" }

func (s *redisStore) Close() error {
	return mapRedisErr(s.client.Close())
}

func (s *redisStore) Upsert(ctx context.Context, id string, at time.Time, value string) error {
	err := upsertScript.Run(ctx, s.client, []string{s.recKey(id)}, at.UnixNano(), value).Err()
	return mapRedisErr(err)
}

func (s *redisStore) ScanAll(ctx context.Context) iter.Seq2[feed.StreamRecord, error] {
	return func(yield func(feed.StreamRecord, error) bool) {
		prefix := s.recKey("")
		for key, err := range s.scanKeys(ctx, prefix) {
			if err != nil {
				yield(feed.StreamRecord{}, err)
				return
			}
			m, err := s.client.HGetAll(ctx, key).Result()
			if err != nil {
				yield(feed.StreamRecord{}, mapRedisErr(err))
				return
			}
			if len(m) == 0 {
				continue
			}
			ns, _ := strconv.ParseInt(m["seen_at"], 10, 64)
			rec := feed.StreamRecord{
				ID:         strings.TrimPrefix(key, prefix),
				LastSeenAt: time.Unix(0, ns),
				LastValue:  m["value"],
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// scanKeys walks the keyspace with SCAN so large keyspaces are not loaded
// at once. A key may be yielded more than once; callers tolerate that.
func (s *redisStore) scanKeys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		seen := map[string]struct{}{}
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 200).Result()
			if err != nil {
				yield("", mapRedisErr(err))
				return
			}
			for _, k := range keys {
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				if !yield(k, nil) {
					return
				}
			}
			cursor = next
			if cursor == 0 {
				return
			}
		}
	}
}

func (s *redisStore) GetHealth(ctx context.Context, streamID string) (feed.StreamHealth, bool, error) {
	m, err := s.client.HGetAll(ctx, s.healthKey(streamID)).Result()
	if err != nil {
		return feed.StreamHealth{}, false, mapRedisErr(err)
	}
	if len(m) == 0 {
		return feed.StreamHealth{}, false, nil
	}
	return healthFromHash(streamID, m), true, nil
}

func healthFromHash(id string, m map[string]string) feed.StreamHealth {
	ec, _ := strconv.Atoi(m["error_count"])
	ver, _ := strconv.ParseInt(m["version"], 10, 64)
	ns, _ := strconv.ParseInt(m["updated_at"], 10, 64)
	return feed.StreamHealth{
		StreamID:   id,
		Frozen:     m["frozen"] == "1",
		Sent:       m["sent"] == "1",
		ErrorCount: ec,
		Version:    ver,
		UpdatedAt:  time.Unix(0, ns),
	}
}

func (s *redisStore) PutHealth(ctx context.Context, h feed.StreamHealth) error {
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now()
	}
	key := s.healthKey(h.StreamID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "version").Int64()
		if errors.Is(err, redis.Nil) {
			cur = 0
		} else if err != nil {
			return err
		}
		if cur != h.Version {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key,
				"frozen", boolFlag(h.Frozen),
				"sent", boolFlag(h.Sent),
				"error_count", h.ErrorCount,
				"version", h.Version+1,
				"updated_at", h.UpdatedAt.UnixNano(),
			)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return mapRedisErr(err)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *redisStore) ScanHealth(ctx context.Context) iter.Seq2[feed.StreamHealth, error] {
	return func(yield func(feed.StreamHealth, error) bool) {
		prefix := s.healthKey("")
		for key, err := range s.scanKeys(ctx, prefix) {
			if err != nil {
				yield(feed.StreamHealth{}, err)
				return
			}
			m, err := s.client.HGetAll(ctx, key).Result()
			if err != nil {
				yield(feed.StreamHealth{}, mapRedisErr(err))
				return
			}
			if len(m) == 0 {
				continue
			}
			if !yield(healthFromHash(strings.TrimPrefix(key, prefix), m), nil) {
				return
			}
		}
	}
}

func (s *redisStore) PutRelayJob(ctx context.Context, job feed.RelayJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return mapRedisErr(s.client.HSet(ctx, s.jobsKey(), job.ID, b).Err())
}

func (s *redisStore) DeleteRelayJob(ctx context.Context, id string) error {
	return mapRedisErr(s.client.HDel(ctx, s.jobsKey(), id).Err())
}

func (s *redisStore) PendingRelayJobs(ctx context.Context) ([]feed.RelayJob, error) {
	m, err := s.client.HGetAll(ctx, s.jobsKey()).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	out := make([]feed.RelayJob, 0, len(m))
	for id, raw := range m {
		var j feed.RelayJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			s.log.Warn("skip unreadable relay job", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func mapRedisErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return err
}
