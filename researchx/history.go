package researchx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// HistoryStore keeps finished jobs for later retrieval. Writes are best
// effort; callers log failures and carry on.
type HistoryStore interface {
	Append(ctx context.Context, job *Job) error
	List(ctx context.Context, ownerID string, limit int64) ([]*Job, error)
}

// RedisHistory keeps a capped, newest-first list of jobs per owner.
type RedisHistory struct {
	rdb        redis.UniversalClient
	maxEntries int64
	prefix     string
}

const defaultHistoryEntries = 50

func NewRedisHistory(rdb redis.UniversalClient, maxEntries int64) *RedisHistory {
	if maxEntries <= 0 {
		maxEntries = defaultHistoryEntries
	}
	return &RedisHistory{rdb: rdb, maxEntries: maxEntries, prefix: "researchx:history:"}
}

func (h *RedisHistory) key(ownerID string) string {
	return h.prefix + ownerID
}

func (h *RedisHistory) Append(ctx context.Context, job *Job) error {
	if job == nil || job.OwnerID == "" {
		return nil
	}
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	key := h.key(job.OwnerID)
	_, err = h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, b)
		pipe.LTrim(ctx, key, 0, h.maxEntries-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history for %s: %w", job.OwnerID, err)
	}
	return nil
}

// List returns up to limit entries, newest first. limit <= 0 means all kept.
func (h *RedisHistory) List(ctx context.Context, ownerID string, limit int64) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	raw, err := h.rdb.LRange(ctx, h.key(ownerID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", ownerID, err)
	}
	jobs := make([]*Job, 0, len(raw))
	for _, r := range raw {
		var job Job
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}
