// Package progress folds per-chunk byte counters into one running total and
// derives speed and ETA from it.
package progress

import (
	"math"
	"sync"
	"time"
)

// Snapshot is what listeners see on every progress event.
type Snapshot struct {
	DownloadedSize int64   `json:"downloadedSize"`
	TotalSize      int64   `json:"totalSize"`
	Speed          float64 `json:"speed"` // bytes per second
	ETA            int64   `json:"eta"`   // seconds
	Percentage     float64 `json:"percentage"`
}

// SampleInterval is the minimum spacing between speed recomputations.
const SampleInterval = time.Second

// Aggregator is the single accumulator shared by every transfer goroutine of
// one task run. Chunk executors report absolute per-chunk byte counts; the
// single-stream path reports into slot 0.
type Aggregator struct {
	mu         sync.Mutex
	total      int64
	counts     []int64
	downloaded int64
	lastSample time.Time
	lastBytes  int64
	speed      float64
	eta        int64
	emit       func(Snapshot)
	now        func() time.Time
}

// New creates an aggregator with one slot per chunk (at least one).
// emit is called synchronously and must not block.
func New(total int64, slots int, emit func(Snapshot)) *Aggregator {
	if slots < 1 {
		slots = 1
	}
	return &Aggregator{
		total:  total,
		counts: make([]int64, slots),
		emit:   emit,
		now:    time.Now,
	}
}

// Prime seeds slot values without emitting, and starts the first sampling
// window from that baseline so resumed bytes do not count as speed.
func (a *Aggregator) Prime(counts []int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, c := range counts {
		if i < len(a.counts) {
			a.counts[i] = c
		}
	}
	a.downloaded = sum(a.counts)
	a.lastBytes = a.downloaded
	a.lastSample = a.now()
}

func (a *Aggregator) SetTotal(total int64) {
	a.mu.Lock()
	a.total = total
	a.mu.Unlock()
}

// Set records the absolute byte count for one slot and emits a snapshot.
func (a *Aggregator) Set(slot int, n int64) {
	a.mu.Lock()
	if slot < 0 || slot >= len(a.counts) {
		a.mu.Unlock()
		return
	}
	a.downloaded += n - a.counts[slot]
	a.counts[slot] = n
	snap := a.sampleLocked()
	a.mu.Unlock()
	if a.emit != nil {
		a.emit(snap)
	}
}

// Tick re-samples without new data so a stalled transfer still reports.
func (a *Aggregator) Tick() {
	a.mu.Lock()
	snap := a.sampleLocked()
	a.mu.Unlock()
	if a.emit != nil {
		a.emit(snap)
	}
}

func (a *Aggregator) Downloaded() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.downloaded
}

func (a *Aggregator) Slot(slot int) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slot < 0 || slot >= len(a.counts) {
		return 0
	}
	return a.counts[slot]
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) sampleLocked() Snapshot {
	now := a.now()
	if a.lastSample.IsZero() {
		a.lastSample = now
		a.lastBytes = a.downloaded
	}
	elapsed := now.Sub(a.lastSample)
	if elapsed >= SampleInterval {
		a.speed = float64(a.downloaded-a.lastBytes) / float64(elapsed.Milliseconds()) * 1000
		if a.speed < 0 {
			a.speed = 0
		}
		a.eta = ETA(a.total, a.downloaded, a.speed)
		a.lastSample = now
		a.lastBytes = a.downloaded
	}
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		DownloadedSize: a.downloaded,
		TotalSize:      a.total,
		Speed:          a.speed,
		ETA:            a.eta,
		Percentage:     Percentage(a.downloaded, a.total),
	}
}

// ETA is zero when speed is zero, including for a stalled transfer.
func ETA(total, downloaded int64, speed float64) int64 {
	if speed <= 0 || total <= 0 {
		return 0
	}
	remaining := total - downloaded
	if remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(remaining) / speed))
}

func Percentage(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(downloaded) / float64(total) * 100
}

func sum(values []int64) int64 {
	var total int64
	for _, v := range values {
		total += v
	}
	return total
}
