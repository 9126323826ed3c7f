package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	haulhttp "github.com/tanq16/haul/internal/downloaders/http"
	"github.com/tanq16/haul/internal/progress"
	"github.com/tanq16/haul/internal/types"
	"github.com/tanq16/haul/internal/utils"
)

func (t *Task) transfer(ctx context.Context, settings types.Settings) error {
	t.mu.Lock()
	rec := t.rec.Clone()
	t.mu.Unlock()

	link := rec.URL
	if t.res != nil {
		resolved, err := t.res.Resolve(ctx, rec.URL)
		if err != nil {
			return fmt.Errorf("error resolving URL: %w", err)
		}
		link = resolved
	}

	if rec.TotalSize == 0 || rec.FilePath == "" {
		info, err := haulhttp.Probe(ctx, t.client, link, rec.Headers)
		if err != nil {
			return err
		}
		t.mu.Lock()
		if t.rec.TotalSize == 0 {
			t.rec.TotalSize = info.TotalSize
			t.rec.SupportsRanges = info.SupportsRanges
		}
		err = t.outputPathLocked(info.Filename)
		rec = t.rec.Clone()
		t.mu.Unlock()
		if err != nil {
			return err
		}
		t.log.Debug().Int64("size", rec.TotalSize).Bool("ranges", rec.SupportsRanges).Str("path", rec.FilePath).Msg("Probed resource")
	}
	if err := os.MkdirAll(rec.SavePath, 0755); err != nil {
		return fmt.Errorf("error creating save directory: %w", err)
	}

	if len(rec.Chunks) > 0 || (rec.SupportsRanges && rec.TotalSize > utils.MultiChunkThreshold) {
		return t.runMulti(ctx, link, settings)
	}
	return t.runSingle(ctx, link)
}

// chunkSink keeps the record's per-chunk counters and the aggregator in step.
type chunkSink struct {
	t   *Task
	agg *progress.Aggregator
}

func (s chunkSink) ChunkProgress(index int, downloaded int64) {
	s.t.mu.Lock()
	if index >= 0 && index < len(s.t.rec.Chunks) {
		c := &s.t.rec.Chunks[index]
		s.t.rec.DownloadedSize += downloaded - c.Downloaded
		c.Downloaded = downloaded
	}
	s.t.mu.Unlock()
	s.agg.Set(index, downloaded)
}

func (s chunkSink) ChunkCompleted(index int) {
	s.t.mu.Lock()
	if index >= 0 && index < len(s.t.rec.Chunks) {
		s.t.rec.Chunks[index].Status = types.ChunkCompleted
	}
	s.t.mu.Unlock()
}

func (t *Task) runMulti(ctx context.Context, link string, settings types.Settings) error {
	connections := settings.Connections(utils.MaxChunks)
	t.mu.Lock()
	if len(t.rec.Chunks) == 0 {
		// Leftovers from an earlier layout would be appended to.
		if err := os.RemoveAll(t.rec.ChunkDir()); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("error clearing chunk directory: %w", err)
		}
		t.rec.Chunks = types.SplitChunks(t.rec.TotalSize, connections)
		t.rec.DownloadedSize = 0
	}
	reconcileFromDisk(&t.rec)
	rec := t.rec.Clone()
	t.mu.Unlock()

	counts := make([]int64, len(rec.Chunks))
	for i, c := range rec.Chunks {
		counts[i] = c.Downloaded
	}
	agg := progress.New(rec.TotalSize, len(rec.Chunks), t.emitProgress)
	agg.Prime(counts)
	stop := tickProgress(agg)
	defer stop()

	t.log.Debug().Int("chunks", len(rec.Chunks)).Int("connections", connections).Int64("resumeFrom", rec.DownloadedSize).Msg("Using multi-chunk strategy")
	return haulhttp.PerformMultiDownload(ctx, t.client, haulhttp.MultiRequest{
		URL:         link,
		Headers:     rec.Headers,
		Chunks:      rec.Chunks,
		ChunkDir:    rec.ChunkDir(),
		OutputPath:  rec.FilePath,
		Connections: connections,
		Retry:       t.retry,
	}, chunkSink{t: t, agg: agg})
}

func (t *Task) runSingle(ctx context.Context, link string) error {
	t.mu.Lock()
	var offset int64
	if t.rec.DownloadedSize > 0 && t.rec.SupportsRanges {
		offset = utils.FileSize(t.rec.FilePath)
	}
	if t.rec.TotalSize > 0 && offset > t.rec.TotalSize {
		offset = 0
	}
	t.rec.DownloadedSize = offset
	rec := t.rec.Clone()
	t.mu.Unlock()

	if rec.TotalSize > 0 && offset == rec.TotalSize {
		t.log.Debug().Msg("Output already complete on disk")
		return nil
	}

	agg := progress.New(rec.TotalSize, 1, t.emitProgress)
	agg.Prime([]int64{offset})
	stop := tickProgress(agg)
	defer stop()
	report := func(n int64) {
		t.mu.Lock()
		t.rec.DownloadedSize = n
		t.mu.Unlock()
		agg.Set(0, n)
	}

	t.log.Debug().Int64("resumeFrom", offset).Bool("ranges", rec.SupportsRanges).Msg("Using single-stream strategy")
	sreq := haulhttp.SimpleRequest{
		URL:            link,
		Headers:        rec.Headers,
		OutputPath:     rec.FilePath,
		Offset:         offset,
		SupportsRanges: rec.SupportsRanges,
	}
	written, err := haulhttp.PerformSimpleDownload(ctx, t.client, sreq, report)
	if errors.Is(err, utils.ErrRangeNotSatisfiable) {
		// One restart from scratch without ranges; a second 416 cannot
		// happen because no Range header is sent.
		t.log.Warn().Msg("Server rejected resume range, restarting from zero")
		t.mu.Lock()
		t.rec.DownloadedSize = 0
		t.rec.SupportsRanges = false
		t.mu.Unlock()
		if rmErr := os.Remove(rec.FilePath); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("error removing partial output: %w", rmErr)
		}
		agg.Prime([]int64{0})
		sreq.Offset, sreq.SupportsRanges = 0, false
		written, err = haulhttp.PerformSimpleDownload(ctx, t.client, sreq, report)
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.rec.TotalSize == 0 {
		t.rec.TotalSize = written
		agg.SetTotal(written)
	}
	t.mu.Unlock()
	return nil
}

// tickProgress re-samples once per interval so listeners hear from a
// stalled transfer too.
func tickProgress(agg *progress.Aggregator) func() {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(progress.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				agg.Tick()
			}
		}
	}()
	return func() {
		close(stop)
		<-stopped
	}
}
