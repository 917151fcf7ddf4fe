package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks queue activity. Counters are always collected; Prometheus
// export is optional.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	maxSize   atomic.Int64
	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) write(size int) {
	s.writes.Add(1)
	for {
		current := s.maxSize.Load()
		if int64(size) <= current || s.maxSize.CompareAndSwap(current, int64(size)) {
			return
		}
	}
}

func (s *Statistics) read()     { s.reads.Add(1) }
func (s *Statistics) overflow() { s.overflows.Add(1) }
func (s *Statistics) drop()     { s.drops.Add(1) }

// Writes returns the total number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the total number of items removed by readers.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns how many writes found the queue full.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns how many items were discarded by the overflow policy.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// MaxSize returns the high-water mark of queued items.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// StatsSummary is a point-in-time snapshot of Statistics.
type StatsSummary struct {
	Writes    int64         `json:"writes"`
	Reads     int64         `json:"reads"`
	Overflows int64         `json:"overflows"`
	Drops     int64         `json:"drops"`
	MaxSize   int64         `json:"max_size"`
	Uptime    time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:    s.Writes(),
		Reads:     s.Reads(),
		Overflows: s.Overflows(),
		Drops:     s.Drops(),
		MaxSize:   s.MaxSize(),
		Uptime:    time.Since(s.startTime),
	}
}
