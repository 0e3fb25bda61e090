// Package eventstore persists the per-channel event log behind the bus.
// Two implementations exist: an in-memory store for tests and embedded use,
// and a Redis Streams store for production.
package eventstore

import (
	"context"
	"time"

	"github.com/engagement/orchestration/internal/event"
)

// Entry is a stored event plus its delivery bookkeeping for one group.
type Entry struct {
	ID         string // store-assigned, ordered within the channel
	Event      *event.Event
	Deliveries int64  // times handed to the group; 1 on first read
	TraceID    string // propagated from the publisher, may be empty
}

// DeadLetter is an exhausted delivery parked on the channel's DLQ log.
type DeadLetter struct {
	ID       string `json:"id"`
	Channel  string `json:"channel"`
	EventID  string `json:"eventId"`
	Reason   string `json:"reason"`
	Attempts int64  `json:"attempts"`
	Group    string `json:"group"`
	Consumer string `json:"consumer"`

	Event    *event.Event `json:"event"`
	FailedAt time.Time    `json:"failedAt"`
}

// Store is the log the bus dispatches from. Reads are per-group cursors with
// at-least-once semantics: an entry stays pending until acked and can be
// reclaimed after sitting idle.
type Store interface {
	// Append adds the event to its channel log and returns the entry ID.
	Append(ctx context.Context, evt *event.Event) (string, error)

	// EnsureGroup creates the group cursor at the start of the channel.
	// Creating an existing group is not an error.
	EnsureGroup(ctx context.Context, channel, group string) error

	// Read returns up to count entries not yet delivered to the group,
	// blocking up to block when the channel is drained.
	Read(ctx context.Context, channel, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack marks entries processed for the group.
	Ack(ctx context.Context, channel, group string, ids ...string) error

	// Pending reclaims entries delivered to the group but idle longer than
	// minIdle, reassigning them to consumer. Deliveries reflects the total
	// delivery count including this reclaim.
	Pending(ctx context.Context, channel, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)

	// PendingCount reports how many entries the group has read but not acked.
	PendingCount(ctx context.Context, channel, group string) (int64, error)

	// AppendDeadLetter parks an exhausted delivery on the channel DLQ.
	AppendDeadLetter(ctx context.Context, dl *DeadLetter) (string, error)

	// DeadLetters lists the oldest DLQ entries for the channel.
	DeadLetters(ctx context.Context, channel string, limit int64) ([]DeadLetter, error)

	// TakeDeadLetter removes and returns one DLQ entry for replay.
	TakeDeadLetter(ctx context.Context, channel, id string) (*DeadLetter, error)

	// Trim drops channel entries older than the cutoff, returning the count.
	Trim(ctx context.Context, channel string, olderThan time.Time) (int64, error)

	// Len reports the channel log length.
	Len(ctx context.Context, channel string) (int64, error)

	// DLQLen reports the channel dead letter log length.
	DLQLen(ctx context.Context, channel string) (int64, error)
}

// StreamKey is the log key for a channel.
func StreamKey(channel string) string {
	return "events:" + channel
}

// DLQKey is the dead letter log key for a channel.
func DLQKey(channel string) string {
	return StreamKey(channel) + ":dlq"
}
