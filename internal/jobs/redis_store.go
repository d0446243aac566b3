package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/media-forge/internal/engine"
)

const (
	jobKeyPrefix   = "job:"
	maxTxRetries   = 32
	scanBatchCount = 100
)

// RedisStore はジョブ状態を Redis に保存します。
// 更新は WATCH/MULTI による楽観ロックで行い、競合時は再試行します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) Create(ctx context.Context, kind engine.Kind, sourceURL, formatID string) (*Job, error) {
	kind, sourceURL, formatID, err := validateCreate(kind, sourceURL, formatID)
	if err != nil {
		return nil, err
	}

	job := newJob(kind, sourceURL, formatID, s.now())
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		payload, err := json.Marshal(job)
		if err != nil {
			return nil, err
		}
		ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), payload, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}
		if ok {
			return job, nil
		}
		job = newJob(kind, sourceURL, formatID, job.CreatedAt)
	}
	return nil, errors.New("failed to allocate job id")
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, jobNotFound(id)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, to Status, fields TransitionFields) (*Job, error) {
	return s.update(ctx, id, func(cur *Job) (*Job, error) {
		return applyTransition(cur, to, fields, s.now())
	})
}

func (s *RedisStore) UpdateProgress(ctx context.Context, id string, mutate func(*Progress) bool) (*Job, error) {
	return s.update(ctx, id, func(cur *Job) (*Job, error) {
		if cur.Status != StatusRunning {
			return nil, fmt.Errorf("job %s is %s: %w", id, cur.Status, ErrNotRunning)
		}
		next := cur.clone()
		if !mutate(&next.Progress) {
			return nil, nil
		}
		next.UpdatedAt = s.now()
		return next, nil
	})
}

// update は fn が返したジョブを保存します。fn が nil を返した場合は現在値をそのまま返します。
func (s *RedisStore) update(ctx context.Context, id string, fn func(cur *Job) (*Job, error)) (*Job, error) {
	key := jobKey(id)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var out *Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return jobNotFound(id)
				}
				return err
			}
			var cur Job
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("failed to decode job %s: %w", id, err)
			}

			next, err := fn(&cur)
			if err != nil {
				return err
			}
			if next == nil {
				out = &cur
				return nil
			}

			payload, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			if err != nil {
				return err
			}
			out = next
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("job %s: too many concurrent updates", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, jobKey(id)).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]*Job, error) {
	var out []*Job
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", scanBatchCount).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(jobKeyPrefix):]
		job, err := s.Get(ctx, id)
		if err != nil {
			// SCAN 後に期限切れになったキーは無視する
			continue
		}
		out = append(out, job)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
