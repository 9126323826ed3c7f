package haulhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tanq16/haul/internal/types"
	"github.com/tanq16/haul/internal/utils"
)

// ChunkReporter receives absolute per-chunk byte counts and completions.
// Calls arrive concurrently from every chunk goroutine.
type ChunkReporter interface {
	ChunkProgress(index int, downloaded int64)
	ChunkCompleted(index int)
}

// DownloadChunk fills chunk's scratch file under dir, resuming from whatever
// is already on disk. Cancellation returns nil; only an exhausted retry
// budget is an error. A zero retry policy means utils.ChunkRetry.
func DownloadChunk(ctx context.Context, client utils.HTTPDoer, link string, headers map[string]string, chunk types.Chunk, dir string, retry utils.RetryPolicy, rep ChunkReporter) error {
	if retry.Attempts < 1 {
		retry = utils.ChunkRetry
	}
	log := utils.GetLogger("http/chunk").With().Int("chunk", chunk.Index).Logger()
	chunkPath := chunk.Path(dir)
	expected := chunk.Size()
	var lastErr error
	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		existing := utils.FileSize(chunkPath)
		if existing > expected {
			log.Warn().Int64("size", existing).Int64("expected", expected).Msg("Chunk file larger than its range, restarting chunk")
			if err := os.Remove(chunkPath); err != nil {
				return fmt.Errorf("error removing oversized chunk %d: %w", chunk.Index, err)
			}
			existing = 0
		}
		rep.ChunkProgress(chunk.Index, existing)
		if existing == expected {
			log.Debug().Int64("size", existing).Msg("Chunk already on disk, skipping")
			rep.ChunkCompleted(chunk.Index)
			return nil
		}
		err := fetchRange(ctx, client, link, headers, chunk, chunkPath, existing, rep)
		if err == nil {
			log.Debug().Int64("size", expected).Msg("Chunk completed")
			rep.ChunkCompleted(chunk.Index)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("maxAttempts", retry.Attempts).Msg("Chunk attempt failed")
		if attempt < retry.Attempts {
			if retry.Wait(ctx, attempt) != nil {
				return nil
			}
		}
	}
	log.Error().Err(lastErr).Msg("Chunk failed after all attempts")
	return fmt.Errorf("chunk %d failed after %d attempts: %w", chunk.Index, retry.Attempts, lastErr)
}

func fetchRange(ctx context.Context, client utils.HTTPDoer, link string, headers map[string]string, chunk types.Chunk, chunkPath string, existing int64, rep ChunkReporter) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, link, nil)
	if err != nil {
		return fmt.Errorf("error creating range request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	startByte := chunk.Start + existing
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startByte, chunk.End))
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: %d for range %d-%d", utils.ErrUnexpectedStatus, resp.StatusCode, startByte, chunk.End)
	}

	// Append only: bytes already on disk are never rewritten.
	file, err := os.OpenFile(chunkPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("error opening chunk file: %w", err)
	}
	defer file.Close()

	remaining := chunk.End - startByte + 1
	body := utils.NewIdleReader(resp.Body, client.Timeout(), cancel)
	defer body.Stop()
	written, err := copyWithProgress(file, io.LimitReader(body, remaining), func(n int64) {
		rep.ChunkProgress(chunk.Index, existing+n)
	})
	if err != nil {
		if body.Stalled() && ctx.Err() == nil {
			return fmt.Errorf("no data for %s: %w", client.Timeout(), err)
		}
		return err
	}
	if written != remaining {
		return fmt.Errorf("size mismatch: expected %d remaining bytes, got %d", remaining, written)
	}
	return nil
}

// copyWithProgress streams src into dst, reporting the running total after
// every write.
func copyWithProgress(dst io.Writer, src io.Reader, onWrite func(total int64)) (int64, error) {
	buffer := make([]byte, utils.DefaultBufferSize)
	var total int64
	for {
		n, readErr := src.Read(buffer)
		if n > 0 {
			if _, err := dst.Write(buffer[:n]); err != nil {
				return total, fmt.Errorf("error writing data: %w", err)
			}
			total += int64(n)
			onWrite(total)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}
	}
}
