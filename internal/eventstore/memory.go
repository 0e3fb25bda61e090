package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/engagement/orchestration/internal/event"
	"github.com/engagement/orchestration/pkg/tracing"
)

// MemoryStore keeps channel logs in process. It mirrors the Redis store's
// group-cursor semantics so the bus behaves identically against either.
type MemoryStore struct {
	mu       sync.Mutex
	channels map[string]*memChannel
}

type memChannel struct {
	entries []memEntry
	seq     int64
	groups  map[string]*memGroup
	dlq     []DeadLetter
	dlqSeq  int64
}

type memEntry struct {
	id    string
	seq   int64
	ms    int64
	evt   *event.Event
	trace string
}

type memGroup struct {
	cursor  int64 // seq of the last entry handed out
	pending map[string]*memPending
}

type memPending struct {
	entry      memEntry
	deliveries int64
	lastAt     time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{channels: make(map[string]*memChannel)}
}

func (s *MemoryStore) channel(name string) *memChannel {
	ch, ok := s.channels[name]
	if !ok {
		ch = &memChannel{groups: make(map[string]*memGroup)}
		s.channels[name] = ch
	}
	return ch
}

func (s *MemoryStore) Append(ctx context.Context, evt *event.Event) (string, error) {
	if err := evt.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(evt.Channel)
	ch.seq++
	entry := memEntry{
		id:    fmt.Sprintf("%d-%d", time.Now().UnixMilli(), ch.seq),
		seq:   ch.seq,
		ms:    time.Now().UnixMilli(),
		evt:   evt.Clone(),
		trace: tracing.TraceIDFromContext(ctx),
	}
	ch.entries = append(ch.entries, entry)
	return entry.id, nil
}

func (s *MemoryStore) EnsureGroup(ctx context.Context, channel, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	if _, ok := ch.groups[group]; !ok {
		ch.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, channel, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		entries, err := s.readOnce(channel, group, count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || block <= 0 || time.Now().After(deadline) {
			return entries, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *MemoryStore) readOnce(channel, group string, count int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	g, ok := ch.groups[group]
	if !ok {
		return nil, fmt.Errorf("group %s not found for channel %s", group, channel)
	}

	var out []Entry
	for _, e := range ch.entries {
		if e.seq <= g.cursor {
			continue
		}
		g.cursor = e.seq
		g.pending[e.id] = &memPending{entry: e, deliveries: 1, lastAt: time.Now()}
		out = append(out, Entry{ID: e.id, Event: e.evt.Clone(), Deliveries: 1, TraceID: e.trace})
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ack(ctx context.Context, channel, group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	g, ok := ch.groups[group]
	if !ok {
		return fmt.Errorf("group %s not found for channel %s", group, channel)
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context, channel, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	g, ok := ch.groups[group]
	if !ok {
		return nil, fmt.Errorf("group %s not found for channel %s", group, channel)
	}

	now := time.Now()
	var idle []*memPending
	for _, p := range g.pending {
		if now.Sub(p.lastAt) >= minIdle {
			idle = append(idle, p)
		}
	}
	// map order is random; reclaim oldest entries first
	sort.Slice(idle, func(i, j int) bool { return idle[i].entry.seq < idle[j].entry.seq })

	var out []Entry
	for _, p := range idle {
		p.deliveries++
		p.lastAt = now
		out = append(out, Entry{ID: p.entry.id, Event: p.entry.evt.Clone(), Deliveries: p.deliveries, TraceID: p.entry.trace})
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) PendingCount(ctx context.Context, channel, group string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	g, ok := ch.groups[group]
	if !ok {
		return 0, fmt.Errorf("group %s not found for channel %s", group, channel)
	}
	return int64(len(g.pending)), nil
}

func (s *MemoryStore) AppendDeadLetter(ctx context.Context, dl *DeadLetter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(dl.Channel)
	ch.dlqSeq++
	stored := *dl
	stored.ID = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), ch.dlqSeq)
	if stored.FailedAt.IsZero() {
		stored.FailedAt = time.Now().UTC()
	}
	if stored.Event != nil {
		stored.Event = stored.Event.Clone()
	}
	ch.dlq = append(ch.dlq, stored)
	return stored.ID, nil
}

func (s *MemoryStore) DeadLetters(ctx context.Context, channel string, limit int64) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	if limit <= 0 || limit > int64(len(ch.dlq)) {
		limit = int64(len(ch.dlq))
	}

	out := make([]DeadLetter, 0, limit)
	for _, dl := range ch.dlq[:limit] {
		cp := dl
		if cp.Event != nil {
			cp.Event = cp.Event.Clone()
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemoryStore) TakeDeadLetter(ctx context.Context, channel, id string) (*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	for i, dl := range ch.dlq {
		if dl.ID != id {
			continue
		}
		ch.dlq = append(ch.dlq[:i], ch.dlq[i+1:]...)
		cp := dl
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) Trim(ctx context.Context, channel string, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channel(channel)
	cutoff := olderThan.UnixMilli()
	kept := ch.entries[:0]
	var trimmed int64
	for _, e := range ch.entries {
		if e.ms < cutoff {
			trimmed++
			continue
		}
		kept = append(kept, e)
	}
	ch.entries = kept
	return trimmed, nil
}

func (s *MemoryStore) Len(ctx context.Context, channel string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.channel(channel).entries)), nil
}

func (s *MemoryStore) DLQLen(ctx context.Context, channel string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.channel(channel).dlq)), nil
}
