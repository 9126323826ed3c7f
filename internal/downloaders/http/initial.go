package haulhttp

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tanq16/haul/internal/utils"
)

// FileInfo is what a probe learns about a remote resource.
type FileInfo struct {
	TotalSize      int64
	SupportsRanges bool
	Filename       string
}

var (
	probeRetry         = utils.ProbeRetry
	dispositionPattern = regexp.MustCompile(`filename[^;=\n]*=((['"]).*?['"]|[^;\n]*)`)
)

// Probe asks the server for size, range support and a filename. HEAD goes
// first; a 403/405 or an exhausted HEAD budget falls back to GET bytes=0-0.
func Probe(ctx context.Context, client utils.HTTPDoer, link string, headers map[string]string) (*FileInfo, error) {
	log := utils.GetLogger("http/probe")
	var headErr error
	for attempt := 1; attempt <= probeRetry.Attempts; attempt++ {
		info, status, err := probeOnce(ctx, client, http.MethodHead, link, headers)
		if err == nil {
			log.Debug().Str("url", link).Int64("size", info.TotalSize).Bool("ranges", info.SupportsRanges).Msg("HEAD probe succeeded")
			return info, nil
		}
		headErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if status == http.StatusMethodNotAllowed || status == http.StatusForbidden {
			log.Debug().Int("status", status).Msg("HEAD rejected, falling back to GET")
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("HEAD probe failed")
		if attempt < probeRetry.Attempts {
			if err := probeRetry.Wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	rangeHeaders := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		rangeHeaders[k] = v
	}
	rangeHeaders["Range"] = "bytes=0-0"
	info, _, err := probeOnce(ctx, client, http.MethodGet, link, rangeHeaders)
	if err != nil {
		log.Error().Err(err).AnErr("head", headErr).Str("url", link).Msg("GET probe failed")
		return nil, fmt.Errorf("error probing %s: %w", link, err)
	}
	log.Debug().Str("url", link).Int64("size", info.TotalSize).Bool("ranges", info.SupportsRanges).Msg("GET probe succeeded")
	return info, nil
}

func probeOnce(ctx context.Context, client utils.HTTPDoer, method, link string, headers map[string]string) (*FileInfo, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating %s request: %w", method, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("%w: %d", utils.ErrUnexpectedStatus, resp.StatusCode)
	}
	return fileInfoFromResponse(resp, link), resp.StatusCode, nil
}

func fileInfoFromResponse(resp *http.Response, link string) *FileInfo {
	info := &FileInfo{}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil && size > 0 {
			info.TotalSize = size
		}
	} else if resp.ContentLength > 0 {
		info.TotalSize = resp.ContentLength
	}
	contentRange := resp.Header.Get("Content-Range")
	// A 206 to bytes=0-0 carries the length of the range, not the resource.
	if resp.StatusCode == http.StatusPartialContent && contentRange != "" {
		if _, _, total, err := ParseContentRange(contentRange); err == nil && total > 0 {
			info.TotalSize = total
		}
	}
	info.SupportsRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") ||
		strings.Contains(contentRange, "bytes")
	info.Filename = FilenameFromHeaders(resp.Header, link)
	return info
}

// FilenameFromHeaders picks Content-Disposition, then the URL path, then a
// timestamped fallback.
func FilenameFromHeaders(header http.Header, link string) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if name := filenameFromDisposition(cd); name != "" {
			return name
		}
	}
	if name := utils.FilenameFromURL(link); name != "" {
		return name
	}
	return utils.FallbackFilename()
}

func filenameFromDisposition(cd string) string {
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		if fn := params["filename"]; fn != "" {
			return utils.SanitizeFilename(fn)
		}
		if fn := params["filename*"]; strings.HasPrefix(strings.ToUpper(fn), "UTF-8''") {
			if unescaped, err := url.PathUnescape(fn[len("UTF-8''"):]); err == nil {
				return utils.SanitizeFilename(unescaped)
			}
		}
	}
	// Servers routinely send dispositions mime refuses, e.g. unquoted spaces.
	if m := dispositionPattern.FindStringSubmatch(cd); len(m) > 1 {
		return utils.SanitizeFilename(strings.ReplaceAll(strings.ReplaceAll(m[1], `"`, ""), "'", ""))
	}
	return ""
}

// ParseContentRange parses "bytes start-end/total"; total is -1 for "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(strings.TrimPrefix(header, "bytes"))
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	if start, err = strconv.ParseInt(rangeParts[0], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if end, err = strconv.ParseInt(rangeParts[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	if parts[1] == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}
