package haulhttp

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/tanq16/haul/internal/types"
	"github.com/tanq16/haul/internal/utils"
	"golang.org/x/sync/errgroup"
)

type MultiRequest struct {
	URL         string
	Headers     map[string]string
	Chunks      []types.Chunk
	ChunkDir    string
	OutputPath  string
	Connections int
	Retry       utils.RetryPolicy
}

// PerformMultiDownload runs every chunk with at most Connections in flight,
// then merges. The first chunk to exhaust its retries cancels the rest.
func PerformMultiDownload(ctx context.Context, client utils.HTTPDoer, req MultiRequest, rep ChunkReporter) error {
	log := utils.GetLogger("http/multi")
	if err := os.MkdirAll(req.ChunkDir, 0755); err != nil {
		return fmt.Errorf("error creating chunk directory: %w", err)
	}
	limit := req.Connections
	if limit < 1 {
		limit = 1
	}
	log.Debug().Str("output", req.OutputPath).Int("chunks", len(req.Chunks)).Int("connections", limit).Msg("Starting chunked download")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, chunk := range req.Chunks {
		g.Go(func() error {
			return DownloadChunk(gctx, client, req.URL, req.Headers, chunk, req.ChunkDir, req.Retry, rep)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return MergeChunks(req.Chunks, req.ChunkDir, req.OutputPath)
}

// MergeChunks concatenates chunk files strictly in index order into
// outputPath, then removes dir.
func MergeChunks(chunks []types.Chunk, dir, outputPath string) error {
	log := utils.GetLogger("http/merge")
	ordered := make([]types.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	for i, chunk := range ordered {
		if chunk.Index != i {
			return fmt.Errorf("chunk sequence broken: expected index %d, found %d", i, chunk.Index)
		}
	}

	destFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	defer destFile.Close()

	var totalWritten int64
	for _, chunk := range ordered {
		written, err := appendChunk(destFile, chunk.Path(dir))
		if err != nil {
			return fmt.Errorf("error merging chunk %d: %w", chunk.Index, err)
		}
		if written != chunk.Size() {
			return fmt.Errorf("%w: chunk %d has %d bytes, range needs %d", utils.ErrMergeSize, chunk.Index, written, chunk.Size())
		}
		totalWritten += written
	}
	if err := destFile.Sync(); err != nil {
		return fmt.Errorf("error syncing output file: %w", err)
	}
	if err := destFile.Close(); err != nil {
		return fmt.Errorf("error closing output file: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Could not remove chunk directory")
	}
	log.Debug().Int64("totalBytes", totalWritten).Str("output", outputPath).Msg("File assembly completed")
	return nil
}

func appendChunk(dst io.Writer, chunkPath string) (int64, error) {
	src, err := os.Open(chunkPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return io.Copy(dst, src)
}
