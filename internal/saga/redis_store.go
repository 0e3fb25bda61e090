package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apierrors "github.com/engagement/orchestration/pkg/errors"
)

const (
	execKeyPrefix    = "saga:exec:"
	terminalIndexKey = "saga:terminal"

	defaultExecTTL = 30 * 24 * time.Hour
)

// RedisExecutionStore keeps each execution as a JSON document with a TTL
// safety net, plus a ZSET of terminal executions scored by finish time so
// the archival sweep can page through them oldest first.
type RedisExecutionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisExecutionStore(client *redis.Client, ttl time.Duration) *RedisExecutionStore {
	if ttl <= 0 {
		ttl = defaultExecTTL
	}
	return &RedisExecutionStore{client: client, ttl: ttl}
}

func execKey(sagaID string) string {
	return execKeyPrefix + sagaID
}

func (s *RedisExecutionStore) Save(ctx context.Context, exec *Execution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	ok, err := s.client.SetNX(ctx, execKey(exec.SagaID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("setnx execution: %w", err)
	}
	if !ok {
		return apierrors.Newf(apierrors.CodeSagaExists, "saga %s already exists", exec.SagaID)
	}
	return nil
}

func (s *RedisExecutionStore) Update(ctx context.Context, exec *Execution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	ok, err := s.client.SetXX(ctx, execKey(exec.SagaID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("setxx execution: %w", err)
	}
	if !ok {
		return apierrors.Newf(apierrors.CodeSagaNotFound, "saga %s not found", exec.SagaID)
	}

	if exec.Status.Terminal() {
		score := float64(exec.FinishedAt.UnixMilli())
		if err := s.client.ZAdd(ctx, terminalIndexKey, redis.Z{Score: score, Member: exec.SagaID}).Err(); err != nil {
			return fmt.Errorf("index terminal execution: %w", err)
		}
	}
	return nil
}

func (s *RedisExecutionStore) Get(ctx context.Context, sagaID string) (*Execution, error) {
	payload, err := s.client.Get(ctx, execKey(sagaID)).Bytes()
	if err == redis.Nil {
		return nil, apierrors.Newf(apierrors.CodeSagaNotFound, "saga %s not found", sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	var exec Execution
	if err := json.Unmarshal(payload, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", sagaID, err)
	}
	return &exec, nil
}

func (s *RedisExecutionStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int64) ([]*Execution, error) {
	ids, err := s.client.ZRangeByScore(ctx, terminalIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("(%d", before.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range terminal index: %w", err)
	}

	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.Get(ctx, id)
		if apierrors.HasCode(err, apierrors.CodeSagaNotFound) {
			// TTL beat the sweep to it; drop the dangling index entry
			s.client.ZRem(ctx, terminalIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *RedisExecutionStore) Delete(ctx context.Context, sagaID string) error {
	if err := s.client.Del(ctx, execKey(sagaID)).Err(); err != nil {
		return fmt.Errorf("del execution: %w", err)
	}
	if err := s.client.ZRem(ctx, terminalIndexKey, sagaID).Err(); err != nil {
		return fmt.Errorf("unindex execution: %w", err)
	}
	return nil
}
