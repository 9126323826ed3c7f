// Package scheduler runs a batch of registry tasks through a worker pool and
// drives the terminal display from their events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tanq16/haul/internal/output"
	"github.com/tanq16/haul/internal/registry"
	"github.com/tanq16/haul/internal/task"
	"github.com/tanq16/haul/internal/types"
	"github.com/tanq16/haul/internal/utils"
)

// Run downloads ids with at most workers tasks in flight. When ctx ends,
// running tasks are paused and queued ones are left untouched.
func Run(ctx context.Context, reg *registry.Registry, ids []string, workers int, out io.Writer) error {
	log := utils.GetLogger("scheduler")
	if workers < 1 {
		workers = 1
	}
	outputMgr := output.NewManager(out)
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		rec, err := reg.Get(id)
		if err != nil {
			return err
		}
		wanted[id] = true
		outputMgr.Register(id, displayName(rec))
	}
	outputMgr.StartDisplay()
	defer outputMgr.StopDisplay()

	events, unsubscribe := reg.Subscribe(256)
	stop := make(chan struct{})
	var listenWg sync.WaitGroup
	listenWg.Add(1)
	go func() {
		defer listenWg.Done()
		for {
			select {
			case ev := <-events:
				if wanted[ev.TaskID] {
					handleEvent(outputMgr, reg, ev)
				}
			case <-stop:
				return
			}
		}
	}()

	jobCh := make(chan string, len(ids))
	for _, id := range ids {
		jobCh <- id
	}
	close(jobCh)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobCh {
				if ctx.Err() != nil {
					outputMgr.Pause(id, "Not started")
					continue
				}
				err := reg.RunSync(ctx, id)
				rec, getErr := reg.Get(id)
				if getErr != nil {
					err = errors.Join(err, getErr)
				}
				finishLine(outputMgr, rec, err)
				if err != nil {
					log.Error().Err(err).Str("task", id).Msg("Download failed")
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", displayName(rec), err))
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	listenWg.Wait()
	unsubscribe()
	return errors.Join(errs...)
}

func handleEvent(m *output.Manager, reg *registry.Registry, ev task.Event) {
	switch ev.Kind {
	case task.EventProgress:
		m.SetStatus(ev.TaskID, output.StateActive)
		m.UpdateProgress(ev.TaskID, ev.Progress)
	case task.EventStatus:
		if ev.Status != types.StatusDownloading {
			return
		}
		m.SetStatus(ev.TaskID, output.StateActive)
		if rec, err := reg.Get(ev.TaskID); err == nil {
			m.SetName(ev.TaskID, displayName(rec))
			m.SetMessage(ev.TaskID, "Downloading "+displayName(rec))
		}
		m.UpdateProgress(ev.TaskID, ev.Progress)
	}
}

// finishLine settles a task's display line from its final record, which is
// authoritative even when the closing events have not been seen yet.
func finishLine(m *output.Manager, rec types.Record, err error) {
	m.SetName(rec.ID, displayName(rec))
	switch {
	case err != nil:
		m.ReportError(rec.ID, err)
	case rec.Status == types.StatusCompleted:
		m.Complete(rec.ID, fmt.Sprintf("Downloaded %s (%s)", rec.FilePath, utils.FormatBytes(uint64(rec.TotalSize))))
	case rec.Status == types.StatusCancelled:
		m.Pause(rec.ID, "Cancelled "+displayName(rec))
	default:
		m.Pause(rec.ID, fmt.Sprintf("Paused %s at %.1f%%", displayName(rec), rec.Percentage()))
	}
}

func displayName(rec types.Record) string {
	if rec.Filename != "" {
		return rec.Filename
	}
	if name := utils.FilenameFromURL(rec.URL); name != "" {
		return name
	}
	return rec.URL
}
