// Package task drives one download through its lifecycle: probe, pick a
// transfer strategy, run it under a cancellable scope, and report.
package task

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/haul/internal/types"
	"github.com/tanq16/haul/internal/utils"
)

// URLResolver maps a stored URL to the link fetched for one run.
type URLResolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

type Options struct {
	Client     utils.HTTPDoer
	Resolver   URLResolver
	Settings   types.Settings
	// ChunkRetry bounds attempts per chunk; zero means utils.ChunkRetry.
	ChunkRetry utils.RetryPolicy
}

type Task struct {
	id     string
	client utils.HTTPDoer
	res    URLResolver
	retry  utils.RetryPolicy
	log    zerolog.Logger

	mu       sync.Mutex
	rec      types.Record
	settings types.Settings
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool

	events    chan Event
	quit      chan struct{}
	closeOnce sync.Once
}

// New rebuilds a task from its record. Byte counters are re-derived from the
// partial files on disk; a record left in downloading comes back paused.
func New(rec types.Record, opts Options) *Task {
	rec = rec.Clone()
	switch rec.Status {
	case "":
		rec.Status = types.StatusWaiting
	case types.StatusDownloading:
		rec.Status = types.StatusPaused
	}
	if rec.SavePath == "" {
		rec.SavePath = "."
	}
	rec.Speed, rec.ETA = 0, 0
	reconcileFromDisk(&rec)

	client := opts.Client
	if client == nil {
		client = utils.NewHTTPClient(utils.HTTPClientConfig{})
	}
	return &Task{
		id:       rec.ID,
		client:   client,
		res:      opts.Resolver,
		retry:    opts.ChunkRetry,
		log:      utils.GetLogger("task").With().Str("task", rec.ID).Logger(),
		rec:      rec,
		settings: opts.Settings,
		events:   make(chan Event, eventBuffer),
		quit:     make(chan struct{}),
	}
}

func reconcileFromDisk(rec *types.Record) {
	if rec.Status.IsTerminal() || rec.FilePath == "" {
		return
	}
	if len(rec.Chunks) > 0 {
		var total int64
		dir := rec.ChunkDir()
		for i := range rec.Chunks {
			c := &rec.Chunks[i]
			c.Downloaded = min(utils.FileSize(c.Path(dir)), c.Size())
			c.Status = types.ChunkPending
			if c.Downloaded == c.Size() {
				c.Status = types.ChunkCompleted
			}
			total += c.Downloaded
		}
		rec.DownloadedSize = total
		return
	}
	size := utils.FileSize(rec.FilePath)
	if rec.TotalSize > 0 {
		size = min(size, rec.TotalSize)
	}
	rec.DownloadedSize = size
}

func (t *Task) ID() string {
	return t.id
}

func (t *Task) Status() types.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Status
}

// Record returns a copy of the task's current state.
func (t *Task) Record() types.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Clone()
}

// Events is the task's notification stream. It is never closed; stop
// reading once Done is closed.
func (t *Task) Events() <-chan Event {
	return t.events
}

func (t *Task) Done() <-chan struct{} {
	return t.quit
}

// Start launches a run. It is a no-op while downloading and an error on a
// completed or cancelled task.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if err := t.startableLocked(); err != nil || t.rec.Status == types.StatusDownloading {
		t.mu.Unlock()
		return err
	}
	prev := t.done
	t.mu.Unlock()
	// A paused run may still be unwinding; its files must be quiet first.
	if prev != nil {
		<-prev
	}

	t.mu.Lock()
	if err := t.startableLocked(); err != nil || t.rec.Status == types.StatusDownloading {
		t.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	t.rec.Status = types.StatusDownloading
	t.rec.Error = ""
	if t.rec.StartTime.IsZero() {
		t.rec.StartTime = time.Now()
	}
	settings, link := t.settings, t.rec.URL
	t.mu.Unlock()

	t.log.Debug().Str("url", link).Msg("Starting task")
	t.emit(EventStatus, types.StatusDownloading, nil)
	go t.run(runCtx, cancel, done, settings)
	return nil
}

func (t *Task) startableLocked() error {
	if t.closed {
		return fmt.Errorf("%w: task %s is closed", utils.ErrInvalidTransition, t.id)
	}
	if t.rec.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot start a %s task", utils.ErrInvalidTransition, t.rec.Status)
	}
	return nil
}

// Resume continues from the persisted offsets.
func (t *Task) Resume(ctx context.Context) error {
	return t.Start(ctx)
}

// Pause aborts in-flight requests and keeps partial data. The closing status
// event is sent by the run once it has unwound.
func (t *Task) Pause() {
	t.mu.Lock()
	if t.rec.Status != types.StatusDownloading {
		t.mu.Unlock()
		return
	}
	t.rec.Status = types.StatusPaused
	cancel := t.cancel
	t.mu.Unlock()
	t.log.Debug().Msg("Pausing task")
	cancel()
}

// Cancel stops any run and deletes the output file and chunk directory.
func (t *Task) Cancel() error {
	t.mu.Lock()
	if t.rec.Status.IsTerminal() {
		status := t.rec.Status
		t.mu.Unlock()
		if status == types.StatusCancelled {
			return nil
		}
		return fmt.Errorf("%w: cannot cancel a %s task", utils.ErrInvalidTransition, status)
	}
	t.rec.Status = types.StatusCancelled
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	t.mu.Lock()
	removeArtifacts(t.rec, t.log)
	t.rec.DownloadedSize = 0
	t.rec.Speed, t.rec.ETA = 0, 0
	for i := range t.rec.Chunks {
		t.rec.Chunks[i].Downloaded = 0
		t.rec.Chunks[i].Status = types.ChunkPending
	}
	t.mu.Unlock()
	t.log.Info().Msg("Task cancelled")
	t.emit(EventStatus, types.StatusCancelled, nil)
	return nil
}

// RemoveArtifacts deletes partial data of a task that never completed.
func (t *Task) RemoveArtifacts() {
	t.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec.Status != types.StatusCompleted {
		removeArtifacts(t.rec, t.log)
	}
}

func removeArtifacts(rec types.Record, log zerolog.Logger) {
	if rec.FilePath == "" {
		return
	}
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", rec.FilePath).Msg("Could not remove output file")
	}
	if err := os.RemoveAll(rec.ChunkDir()); err != nil {
		log.Warn().Err(err).Str("path", rec.ChunkDir()).Msg("Could not remove chunk directory")
	}
}

// Wait blocks until the current run, if any, has finished.
func (t *Task) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// SetURL swaps the source link. An errored task drops back to paused.
func (t *Task) SetURL(link string) error {
	t.mu.Lock()
	if t.rec.Status.IsTerminal() || t.rec.Status == types.StatusDownloading {
		status := t.rec.Status
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot change URL of a %s task", utils.ErrInvalidTransition, status)
	}
	t.rec.URL = link
	reset := t.rec.Status == types.StatusError
	if reset {
		t.rec.Status = types.StatusPaused
		t.rec.Error = ""
	}
	status := t.rec.Status
	t.mu.Unlock()
	t.emit(EventStatus, status, nil)
	return nil
}

// ResetError moves an errored task back to paused so it can be resumed.
func (t *Task) ResetError() error {
	t.mu.Lock()
	if t.rec.Status != types.StatusError {
		status := t.rec.Status
		t.mu.Unlock()
		return fmt.Errorf("%w: task is %s, not error", utils.ErrInvalidTransition, status)
	}
	t.rec.Status = types.StatusPaused
	t.rec.Error = ""
	t.mu.Unlock()
	t.emit(EventStatus, types.StatusPaused, nil)
	return nil
}

// UpdateSettings takes effect at the next run.
func (t *Task) UpdateSettings(s types.Settings) {
	t.mu.Lock()
	t.settings = s
	t.mu.Unlock()
}

// Close pauses the task, waits for the run to unwind and releases
// listeners. The task cannot be started again.
func (t *Task) Close() {
	t.Pause()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.Wait()
	t.closeOnce.Do(func() { close(t.quit) })
}

func (t *Task) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, settings types.Settings) {
	defer close(done)
	defer cancel()
	err := t.transfer(ctx, settings)
	t.finish(ctx, err)
}

func (t *Task) finish(ctx context.Context, err error) {
	t.mu.Lock()
	status := t.rec.Status
	switch {
	case status == types.StatusCancelled:
		t.mu.Unlock()
		return
	case err == nil:
		t.rec.Status = types.StatusCompleted
		if t.rec.TotalSize > 0 {
			t.rec.DownloadedSize = t.rec.TotalSize
		}
		t.rec.Speed, t.rec.ETA = 0, 0
		path := t.rec.FilePath
		t.mu.Unlock()
		t.log.Info().Str("path", path).Msg("Download completed")
		t.emit(EventCompleted, types.StatusCompleted, nil)
		t.emit(EventStatus, types.StatusCompleted, nil)
	case ctx.Err() != nil:
		// Pause, or the owner's context went away; either way the data stays.
		t.rec.Status = types.StatusPaused
		t.rec.Speed, t.rec.ETA = 0, 0
		t.mu.Unlock()
		t.log.Debug().Msg("Task paused")
		t.emit(EventStatus, types.StatusPaused, nil)
	default:
		t.rec.Status = types.StatusError
		t.rec.Error = err.Error()
		t.rec.Speed, t.rec.ETA = 0, 0
		t.mu.Unlock()
		t.log.Error().Err(err).Msg("Download failed")
		t.emit(EventError, types.StatusError, err)
		t.emit(EventStatus, types.StatusError, nil)
	}
}

// outputPathLocked fixes FilePath the first time a task learns its filename.
// The path is claimed with an exclusive create so concurrent tasks that
// infer the same name never share an output file.
func (t *Task) outputPathLocked(suggested string) error {
	if t.rec.FilePath != "" {
		return nil
	}
	if t.rec.Filename == "" {
		t.rec.Filename = suggested
	}
	if err := os.MkdirAll(t.rec.SavePath, 0755); err != nil {
		return fmt.Errorf("error creating save directory: %w", err)
	}
	base := filepath.Join(t.rec.SavePath, t.rec.Filename)
	p := base
	for {
		if !utils.FileExists(p + utils.ChunkDirSuffix) {
			f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
			if err == nil {
				f.Close()
				break
			}
			if !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("error creating output file: %w", err)
			}
		}
		p = utils.RenewOutputPath(base)
	}
	t.rec.Filename = filepath.Base(p)
	t.rec.FilePath = p
	return nil
}
