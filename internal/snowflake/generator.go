package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrInvalidEpoch          = errors.New("epoch can not be later than the current time")
	ErrWorkerIDOutOfRange    = errors.New("worker id out of range")
	ErrPartitionIDOutOfRange = errors.New("partition id out of range")

	ErrClockRegression   = errors.New("clock moved backwards")
	ErrTimestampOverflow = errors.New("timestamp no longer fits the id layout")
)

// TimingError reports a clock regression observed by NextID. It matches
// ErrClockRegression with errors.Is.
type TimingError struct {
	BackwardMs int64
}

func (e *TimingError) Error() string {
	return fmt.Sprintf("clock moved backwards, refusing to generate id for %d milliseconds", e.BackwardMs)
}

func (e *TimingError) Is(target error) bool {
	return target == ErrClockRegression
}

type Config struct {
	PartitionID uint8
	WorkerID    uint8
	EpochMs     int64
}

type Stats struct {
	Issued            uint64
	SequenceExhausted uint64
	ClockRegressions  uint64
}

type Option func(*Generator)

func WithClock(c Clock) Option {
	return func(g *Generator) { g.clock = c }
}

func WithWaitStrategy(w WaitStrategy) Option {
	return func(g *Generator) { g.wait = w }
}

// Generator issues ids for one (partition, worker) pair. It is safe for
// concurrent use.
type Generator struct {
	cfg   Config
	clock Clock
	wait  WaitStrategy

	mu            sync.Mutex
	lastTimestamp int64
	sequence      uint16

	issued      atomic.Uint64
	exhausted   atomic.Uint64
	regressions atomic.Uint64
}

// New returns a generator measuring time from DefaultEpochMs.
func New(partitionID, workerID uint8, opts ...Option) (*Generator, error) {
	return NewWithEpoch(partitionID, workerID, DefaultEpochMs, opts...)
}

func NewWithEpoch(partitionID, workerID uint8, epochMs int64, opts ...Option) (*Generator, error) {
	g := &Generator{
		cfg:           Config{PartitionID: partitionID, WorkerID: workerID, EpochMs: epochMs},
		clock:         SystemClock,
		wait:          Spin,
		lastTimestamp: -1,
	}
	for _, opt := range opts {
		opt(g)
	}

	if now := g.clock.NowMs(); epochMs > now {
		return nil, fmt.Errorf("epoch %d is %dms ahead of now: %w", epochMs, epochMs-now, ErrInvalidEpoch)
	}
	if workerID > MaxWorkerID {
		return nil, fmt.Errorf("%d, max is %d: %w", workerID, MaxWorkerID, ErrWorkerIDOutOfRange)
	}
	if partitionID > MaxPartitionID {
		return nil, fmt.Errorf("%d, max is %d: %w", partitionID, MaxPartitionID, ErrPartitionIDOutOfRange)
	}
	return g, nil
}

// NextID returns the next id in a unique, time ordered series.
//
// A clock reading earlier than the last issued millisecond fails with a
// *TimingError and leaves the generator state unchanged. Exhausting the
// sequence within a millisecond blocks, holding the lock, until the clock
// advances.
func (g *Generator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.clock.NowMs()
	if ts < g.lastTimestamp {
		g.regressions.Add(1)
		return 0, &TimingError{BackwardMs: g.lastTimestamp - ts}
	}

	var seq uint16
	if ts == g.lastTimestamp {
		seq = (g.sequence + 1) & MaxSequence
		if seq == 0 {
			g.exhausted.Add(1)
			ts = g.wait(g.clock, g.lastTimestamp)
		}
	}

	if Overflows(ts, g.cfg.EpochMs) {
		return 0, fmt.Errorf("%dms since epoch %d: %w", ts-g.cfg.EpochMs, g.cfg.EpochMs, ErrTimestampOverflow)
	}

	g.lastTimestamp = ts
	g.sequence = seq
	g.issued.Add(1)

	return Compose(ts, g.cfg.EpochMs, g.cfg.PartitionID, g.cfg.WorkerID, seq), nil
}

func (g *Generator) Config() Config {
	return g.cfg
}

// Decompose splits an id using this generator's epoch.
func (g *Generator) Decompose(id uint64) Parts {
	return Decompose(id, g.cfg.EpochMs)
}

func (g *Generator) Stats() Stats {
	return Stats{
		Issued:            g.issued.Load(),
		SequenceExhausted: g.exhausted.Load(),
		ClockRegressions:  g.regressions.Load(),
	}
}
