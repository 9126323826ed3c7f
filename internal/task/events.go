package task

import (
	"time"

	"github.com/tanq16/haul/internal/progress"
	"github.com/tanq16/haul/internal/types"
)

type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventStatus    EventKind = "status"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// Event is a lifecycle notification. Within one run the order is
// progress* then completed or error, then the closing status event.
type Event struct {
	TaskID   string
	Kind     EventKind
	Status   types.TaskStatus
	Progress progress.Snapshot
	Err      error
	Time     time.Time
}

const eventBuffer = 64

// emitProgress never blocks a transfer; a slow listener just misses samples.
func (t *Task) emitProgress(snap progress.Snapshot) {
	t.mu.Lock()
	t.rec.Speed = snap.Speed
	t.rec.ETA = snap.ETA
	status := t.rec.Status
	t.mu.Unlock()
	ev := Event{TaskID: t.id, Kind: EventProgress, Status: status, Progress: snap, Time: time.Now()}
	select {
	case t.events <- ev:
	default:
	}
}

func (t *Task) emit(kind EventKind, status types.TaskStatus, err error) {
	ev := Event{TaskID: t.id, Kind: kind, Status: status, Err: err, Time: time.Now()}
	t.mu.Lock()
	ev.Progress = progress.Snapshot{
		DownloadedSize: t.rec.DownloadedSize,
		TotalSize:      t.rec.TotalSize,
		Speed:          t.rec.Speed,
		ETA:            t.rec.ETA,
		Percentage:     progress.Percentage(t.rec.DownloadedSize, t.rec.TotalSize),
	}
	t.mu.Unlock()
	select {
	case t.events <- ev:
	case <-t.quit:
	}
}
