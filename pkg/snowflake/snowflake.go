// Package snowflake generates sortable 64-bit IDs for archive rows and
// dead letter entries.
//
// Layout: 41 timestamp bits (ms since epoch), 10 worker bits, 12 sequence
// bits. IDs from one generator are strictly increasing.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// custom epoch: 2024-01-01 00:00:00 UTC
	epoch int64 = 1704067200000

	workerIDBits = 10
	sequenceBits = 12

	maxWorkerID = -1 ^ (-1 << workerIDBits) // 1023
	maxSequence = -1 ^ (-1 << sequenceBits) // 4095

	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

var (
	ErrInvalidWorkerID = errors.New("worker ID must be between 0 and 1023")
	ErrClockMovedBack  = errors.New("clock moved backwards")
)

type Generator struct {
	mu       sync.Mutex
	workerID int64
	sequence int64
	lastMs   int64
}

func New(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, ErrInvalidWorkerID
	}
	return &Generator{workerID: workerID}, nil
}

// Generate returns the next ID.
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastMs {
		return 0, ErrClockMovedBack
	}

	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 4096 IDs burned in one millisecond, wait out the clock
			for now <= g.lastMs {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	id := ((now - epoch) << timestampShift) |
		(g.workerID << workerIDShift) |
		g.sequence
	return id, nil
}

// Parse splits an ID into its wall-clock, worker and sequence parts.
func Parse(id int64) (ts time.Time, workerID, sequence int64) {
	ms := (id >> timestampShift) + epoch
	return time.UnixMilli(ms), (id >> workerIDShift) & maxWorkerID, id & maxSequence
}

var defaultGenerator *Generator

// Init sets up the process-wide generator.
func Init(workerID int64) error {
	g, err := New(workerID)
	if err != nil {
		return err
	}
	defaultGenerator = g
	return nil
}

// NextID generates an ID with the process-wide generator.
func NextID() (int64, error) {
	if defaultGenerator == nil {
		return 0, errors.New("snowflake not initialized")
	}
	return defaultGenerator.Generate()
}
