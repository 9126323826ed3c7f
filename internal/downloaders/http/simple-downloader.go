package haulhttp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/tanq16/haul/internal/utils"
)

type SimpleRequest struct {
	URL            string
	Headers        map[string]string
	OutputPath     string
	Offset         int64
	SupportsRanges bool
}

// PerformSimpleDownload streams the whole resource into OutputPath, appending
// from Offset when the server honours the range. report receives the total
// bytes present in the output file. It returns utils.ErrRangeNotSatisfiable
// on a 416 and leaves recovery to the caller.
func PerformSimpleDownload(ctx context.Context, client utils.HTTPDoer, sreq SimpleRequest, report func(int64)) (int64, error) {
	log := utils.GetLogger("http/simple-downloader")
	offset := sreq.Offset
	if !sreq.SupportsRanges || !utils.FileExists(sreq.OutputPath) {
		offset = 0
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, sreq.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating GET request: %w", err)
	}
	for k, v := range sreq.Headers {
		req.Header.Set(k, v)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		log.Debug().Int64("offset", offset).Str("output", sreq.OutputPath).Msg("Resuming download")
	}
	resp, err := client.Do(req)
	if err != nil {
		return offset, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return offset, utils.ErrRangeNotSatisfiable
	}
	if resp.StatusCode >= 400 {
		return offset, fmt.Errorf("%w: %d", utils.ErrUnexpectedStatus, resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		if offset > 0 {
			log.Warn().Int("status", resp.StatusCode).Msg("Server ignored resume range, restarting from zero")
		}
		offset = 0
		flags |= os.O_TRUNC
	}
	if err := os.MkdirAll(filepath.Dir(sreq.OutputPath), 0755); err != nil {
		return offset, fmt.Errorf("error creating output directory: %w", err)
	}
	outFile, err := os.OpenFile(sreq.OutputPath, flags, 0644)
	if err != nil {
		return offset, fmt.Errorf("error opening output file: %w", err)
	}
	defer outFile.Close()
	report(offset)

	body := utils.NewIdleReader(resp.Body, client.Timeout(), cancel)
	defer body.Stop()
	written, err := copyWithProgress(outFile, body, func(n int64) { report(offset + n) })
	if err != nil {
		if body.Stalled() && ctx.Err() == nil {
			return offset + written, fmt.Errorf("no data for %s: %w", client.Timeout(), err)
		}
		return offset + written, err
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return offset + written, fmt.Errorf("size mismatch: expected %d bytes, got %d", resp.ContentLength, written)
	}
	if err := outFile.Sync(); err != nil {
		return offset + written, fmt.Errorf("error syncing output file: %w", err)
	}
	log.Debug().Str("output", sreq.OutputPath).Int64("bytes", offset+written).Msg("Simple download finished")
	return offset + written, nil
}
