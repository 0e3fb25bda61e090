package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/engagement/orchestration/internal/event"
	"github.com/engagement/orchestration/pkg/tracing"
)

const busyGroupErr = "BUSYGROUP Consumer Group name already exists"

// RedisStore keeps one stream per channel plus a companion DLQ stream.
// Consumer groups carry the per-subscriber cursors.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Append(ctx context.Context, evt *event.Event) (string, error) {
	if err := evt.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	values := map[string]interface{}{
		"data": string(data),
	}
	tracing.InjectStream(ctx, values)

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(evt.Channel),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (s *RedisStore) EnsureGroup(ctx context.Context, channel, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, StreamKey(channel), group, "0").Err()
	if err != nil && err.Error() != busyGroupErr {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, channel, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	if block <= 0 {
		// go-redis treats 0 as BLOCK 0 (forever); negative omits BLOCK
		block = -1
	}
	results, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamKey(channel), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var entries []Entry
	for _, result := range results {
		for _, m := range result.Messages {
			entry, ok := s.parseMessage(ctx, channel, group, m)
			if !ok {
				continue
			}
			entry.Deliveries = 1
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *RedisStore) Ack(ctx context.Context, channel, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, StreamKey(channel), group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

func (s *RedisStore) Pending(ctx context.Context, channel, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	stream := StreamKey(channel)

	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending: %w", err)
	}

	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.Idle < minIdle {
			continue
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}
	if len(ids) == 0 {
		return nil, nil
	}

	messages, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim: %w", err)
	}

	var entries []Entry
	for _, m := range messages {
		entry, ok := s.parseMessage(ctx, channel, group, m)
		if !ok {
			continue
		}
		// the claim itself is a redelivery
		entry.Deliveries = deliveries[m.ID] + 1
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) PendingCount(ctx context.Context, channel, group string) (int64, error) {
	summary, err := s.client.XPending(ctx, StreamKey(channel), group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending summary: %w", err)
	}
	return summary.Count, nil
}

// parseMessage decodes one stream message. Malformed messages are acked in
// place so they never wedge the group, mirroring how invalid entries are
// dropped on the consume path.
func (s *RedisStore) parseMessage(ctx context.Context, channel, group string, m redis.XMessage) (Entry, bool) {
	data, ok := m.Values["data"].(string)
	if !ok {
		_ = s.client.XAck(ctx, StreamKey(channel), group, m.ID).Err()
		return Entry{}, false
	}

	var evt event.Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		_ = s.client.XAck(ctx, StreamKey(channel), group, m.ID).Err()
		return Entry{}, false
	}

	entry := Entry{ID: m.ID, Event: &evt}
	if raw, ok := m.Values["_traceId"].(string); ok {
		entry.TraceID = raw
	}
	return entry, true
}

func (s *RedisStore) AppendDeadLetter(ctx context.Context, dl *DeadLetter) (string, error) {
	data, err := json.Marshal(dl.Event)
	if err != nil {
		return "", fmt.Errorf("marshal dead letter event: %w", err)
	}

	failedAt := dl.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}

	values := map[string]interface{}{
		"stream":   StreamKey(dl.Channel),
		"msgId":    dl.EventID,
		"reason":   dl.Reason,
		"attempts": dl.Attempts,
		"data":     string(data),
		"tsMs":     failedAt.UnixMilli(),
		"group":    dl.Group,
		"consumer": dl.Consumer,
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQKey(dl.Channel),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd dlq: %w", err)
	}
	return id, nil
}

func (s *RedisStore) DeadLetters(ctx context.Context, channel string, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	messages, err := s.client.XRangeN(ctx, DLQKey(channel), "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange dlq: %w", err)
	}

	out := make([]DeadLetter, 0, len(messages))
	for _, m := range messages {
		out = append(out, parseDeadLetter(channel, m))
	}
	return out, nil
}

func (s *RedisStore) TakeDeadLetter(ctx context.Context, channel, id string) (*DeadLetter, error) {
	messages, err := s.client.XRange(ctx, DLQKey(channel), id, id).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange dlq: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	dl := parseDeadLetter(channel, messages[0])
	if err := s.client.XDel(ctx, DLQKey(channel), id).Err(); err != nil {
		return nil, fmt.Errorf("xdel dlq: %w", err)
	}
	return &dl, nil
}

func (s *RedisStore) Trim(ctx context.Context, channel string, olderThan time.Time) (int64, error) {
	minID := fmt.Sprintf("%d-0", olderThan.UnixMilli())
	trimmed, err := s.client.XTrimMinID(ctx, StreamKey(channel), minID).Result()
	if err != nil {
		return 0, fmt.Errorf("xtrim: %w", err)
	}
	return trimmed, nil
}

func (s *RedisStore) Len(ctx context.Context, channel string) (int64, error) {
	n, err := s.client.XLen(ctx, StreamKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen: %w", err)
	}
	return n, nil
}

func (s *RedisStore) DLQLen(ctx context.Context, channel string) (int64, error) {
	n, err := s.client.XLen(ctx, DLQKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen dlq: %w", err)
	}
	return n, nil
}

func parseDeadLetter(channel string, m redis.XMessage) DeadLetter {
	dl := DeadLetter{
		ID:      m.ID,
		Channel: channel,
	}
	if v, ok := m.Values["msgId"].(string); ok {
		dl.EventID = v
	}
	if v, ok := m.Values["reason"].(string); ok {
		dl.Reason = v
	}
	if v, ok := m.Values["group"].(string); ok {
		dl.Group = v
	}
	if v, ok := m.Values["consumer"].(string); ok {
		dl.Consumer = v
	}
	if v, ok := m.Values["attempts"].(string); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			dl.Attempts = n
		}
	}
	if v, ok := m.Values["tsMs"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			dl.FailedAt = time.UnixMilli(ms).UTC()
		}
	}
	if v, ok := m.Values["data"].(string); ok {
		var evt event.Event
		if err := json.Unmarshal([]byte(v), &evt); err == nil {
			dl.Event = &evt
		}
	}
	return dl
}
